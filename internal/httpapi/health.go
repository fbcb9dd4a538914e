package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// handleHealth reports a host resource snapshot alongside pipeline load,
// the operator-facing health endpoint (SPEC_FULL DOMAIN STACK: gopsutil).
func (s *Server) handleHealth(c *gin.Context) {
	snapshot := gin.H{"status": "ok", "active_pipelines": s.orchestrator.Registry().Len()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot["memory_used_percent"] = vm.UsedPercent
	}

	c.JSON(http.StatusOK, snapshot)
}
