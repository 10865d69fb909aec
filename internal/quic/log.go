// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// logging is plain logrus with grep-friendly fields, which is what
// distribution-distribution and grafana-k6 both already standardize on.
// The connection engine emits no log events (no qlog-style "recovery",
// "transport" or "security" categories); the only log lines are the
// Endpoint's two Debug messages in endpoint.go.

// newConnLogger returns a logger scoped to a single connection, tagged
// with a short correlation ID distinct from any QUIC-wire connection ID
// (those are peer-chosen and may be empty or change over a connection's
// lifetime; this one is a stable local handle for grepping logs).
func newConnLogger(base logrus.FieldLogger, side connSide) logrus.FieldLogger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return base.WithFields(logrus.Fields{
		"trace_id": xid.New().String(),
		"side":     side.String(),
	})
}

func (s connSide) String() string {
	if s == serverSide {
		return "server"
	}
	return "client"
}
