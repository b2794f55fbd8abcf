package server

import (
	"os"
	"testing"

	jww "github.com/spf13/jwalterweatherman"
)

// TestMain silences logging once before any test runs. No test should
// change the thresholds after this point.
func TestMain(m *testing.M) {
	jww.SetStdoutThreshold(jww.LevelFatal)
	jww.SetLogThreshold(jww.LevelFatal)

	os.Exit(m.Run())
}
