package util

import (
	"context"
	"time"
)

// Ticker is a wrapper around time.Ticker which
// 1) fires immediately
// 2) can be canceled by the given context
// 3) never blocks forever on a reader that went away.
func Ticker(ctx context.Context, d time.Duration) <-chan time.Time {
	out := make(chan time.Time)
	go func() {
		select {
		case out <- time.Now():
		case <-ctx.Done():
			return
		}
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
