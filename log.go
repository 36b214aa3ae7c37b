// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	logger.Store(zap.NewNop())
}

// SetLogger routes diagnostics to l. Engines created earlier keep the
// logger they were created with for their thread manager.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// SetDebug switches between a development logger and silence.
func SetDebug(x bool) {
	if !x {
		SetLogger(nil)
		return
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return
	}
	SetLogger(l)
}

func lg() *zap.Logger {
	return logger.Load()
}
