package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/domain"
)

type CreateRoomRequest struct {
	Name string `json:"name" binding:"required"`
}

type CreateRoomResponse struct {
	Name    domain.ChannelName `json:"name"`
	Created bool               `json:"created"`
}

type roomHandlers struct {
	orch *app.Orchestrator
}

func (h roomHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Rooms.List()})
}

func (h roomHandlers) create(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	created, err := h.orch.CreateRoom(domain.ChannelName(req.Name))
	if errors.Is(err, domain.ErrInvalidChannelName) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, CreateRoomResponse{Name: domain.ChannelName(req.Name), Created: created})
}

func (h roomHandlers) evict(c *gin.Context) {
	name := domain.ChannelName(c.Param("name"))
	if _, ok := h.orch.Rooms.Get(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrRoomNotFound.Error()})
		return
	}
	h.orch.EvictRoom(name)
	c.Status(http.StatusNoContent)
}
