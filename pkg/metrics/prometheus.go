package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServerRequests counts asset store requests by operation and status code.
	ServerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachier_server_requests_total",
		Help: "The total number of asset store requests",
	}, []string{"operation", "code"})

	// ServerBytes counts payload bytes written to and read from the backend.
	ServerBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachier_server_bytes_total",
		Help: "The total number of payload bytes served and stored",
	}, []string{"direction"})

	// CacheLookups counts client retrieve outcomes: hit, miss or error.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachier_client_lookups_total",
		Help: "The total number of remote cache lookups by result",
	}, []string{"result"})

	// CacheStores counts client store outcomes: stored, skipped or failed.
	CacheStores = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cachier_client_stores_total",
		Help: "The total number of remote cache stores by result",
	}, []string{"result"})
)
