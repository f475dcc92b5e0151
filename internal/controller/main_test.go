package controller_test

import (
	"testing"

	"github.com/CZERTAINLY/scanbridge/internal/worker/workertest"
)

func TestMain(m *testing.M) {
	workertest.Main(m)
}
