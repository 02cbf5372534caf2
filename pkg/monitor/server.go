package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dtcforge/refinery/pkg/models"
	"github.com/dtcforge/refinery/pkg/queue"
)

// Server exposes the latest metrics snapshot over HTTP: a health probe,
// the raw snapshot as JSON, and a Prometheus text rendering.
type Server struct {
	queue *queue.Client
	srv   *http.Server
}

// NewServer creates the metrics server listening on addr.
func NewServer(q *queue.Client, addr string) *Server {
	s := &Server{queue: q}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.Health)
	router.GET("/metrics", s.Metrics)
	router.GET("/metrics/prometheus", s.Prometheus)

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Health returns the server health status.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics returns the newest snapshot as stored, without re-encoding.
func (s *Server) Metrics(c *gin.Context) {
	data, err := s.queue.LatestSnapshot(c.Request.Context())
	if err != nil {
		if errors.Is(err, queue.ErrNoMetrics) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no metrics collected yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// Prometheus renders the newest snapshot in the text exposition format.
func (s *Server) Prometheus(c *gin.Context) {
	data, err := s.queue.LatestSnapshot(c.Request.Context())
	if err != nil {
		if errors.Is(err, queue.ErrNoMetrics) {
			c.String(http.StatusNotFound, "no metrics collected yet\n")
			return
		}
		c.String(http.StatusInternalServerError, "%s\n", err.Error())
		return
	}
	var snap models.MetricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.String(http.StatusInternalServerError, "%s\n", err.Error())
		return
	}
	c.String(http.StatusOK, renderPrometheus(&snap))
}

func renderPrometheus(snap *models.MetricsSnapshot) string {
	var b strings.Builder

	b.WriteString("# HELP refinery_queue_depth Jobs waiting per queue.\n")
	b.WriteString("# TYPE refinery_queue_depth gauge\n")
	for _, q := range sortedKeys(snap.QueueDepths) {
		fmt.Fprintf(&b, "refinery_queue_depth{queue=%q} %d\n", q, snap.QueueDepths[q])
	}

	b.WriteString("# HELP refinery_stage_total Jobs finished per stage in the last hour.\n")
	b.WriteString("# TYPE refinery_stage_total gauge\n")
	for _, stage := range sortedKeys(snap.Stages) {
		st := snap.Stages[stage]
		fmt.Fprintf(&b, "refinery_stage_total{stage=%q} %d\n", stage, st.Completed+st.Failed)
	}

	b.WriteString("# HELP refinery_stage_failed Failed jobs per stage in the last hour.\n")
	b.WriteString("# TYPE refinery_stage_failed gauge\n")
	for _, stage := range sortedKeys(snap.Stages) {
		fmt.Fprintf(&b, "refinery_stage_failed{stage=%q} %d\n", stage, snap.Stages[stage].Failed)
	}

	b.WriteString("# HELP refinery_container_health Container probe result (1 healthy, 0 unhealthy).\n")
	b.WriteString("# TYPE refinery_container_health gauge\n")
	for _, name := range sortedKeys(snap.Containers) {
		v := 0
		if snap.Containers[name].Healthy {
			v = 1
		}
		fmt.Fprintf(&b, "refinery_container_health{container=%q} %d\n", name, v)
	}

	b.WriteString("# HELP refinery_documents_by_stage Documents per pipeline stage.\n")
	b.WriteString("# TYPE refinery_documents_by_stage gauge\n")
	for _, stage := range sortedKeys(snap.Documents.ByStage) {
		fmt.Fprintf(&b, "refinery_documents_by_stage{stage=%q} %d\n", stage, snap.Documents.ByStage[stage])
	}

	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
