package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// SSE feeds poll the master on an interval and push snapshots to connected
// clients. Dashboards and watch-style CLI commands hang off these.

const sseInterval = 2 * time.Second

func (a *API) statusSSE(c *gin.Context) {
	a.streamSSE(c, "status", func() (interface{}, error) {
		return a.master.Info(), nil
	})
}

func (a *API) jobsSSE(c *gin.Context) {
	a.streamSSE(c, "jobs", func() (interface{}, error) {
		return a.master.Jobs(), nil
	})
}

func (a *API) slavesSSE(c *gin.Context) {
	a.streamSSE(c, "slaves", func() (interface{}, error) {
		return a.master.SlaveList(), nil
	})
}

func (a *API) streamSSE(c *gin.Context, event string, snapshot func() (interface{}, error)) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	ticker := time.NewTicker(sseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			data, err := snapshot()
			if err != nil {
				continue
			}
			payload, err := json.Marshal(data)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\n", event)
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			c.Writer.Flush()
		}
	}
}
