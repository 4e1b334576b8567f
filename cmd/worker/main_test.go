package main

import (
	"testing"
	"time"

	_ "github.com/silverstone-i/nap-sub000/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	done := make(chan struct{})
	go func() {
		main()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("main did not return in test mode")
	}
}
