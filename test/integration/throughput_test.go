package integration

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/drmlicense-service/internal/controller"
	"github.com/ChuLiYu/drmlicense-service/internal/jobstore"
	"github.com/stretchr/testify/require"
)

func BenchmarkThroughput(b *testing.B) {
	srv := licenseServer(b, nil)
	ctrl := newController(b, controller.Config{
		WorkerCount: 8,
		QueueSize:   1000,
		Store:       openStore(b, jobstore.DriverSQLite, filepath.Join(b.TempDir(), "jobs.db")),
		DRM:         okEngine(),
	})
	defer ctrl.Stop()

	// 每個工作階段兩個 license acquisition 群組
	doc := generateInitiator(srv.URL, 2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := newRecorder()
		_, err := ctrl.ProcessWebInitiator(controller.InitiatorRequest{Document: doc}, rec, nil)
		require.NoError(b, err)
		rec.wait(b, 10*time.Second)
	}
	b.StopTimer()
}
