// Package httprpc is the wire layer binding every node-role package (chord,
// dht, naming, master, follower, request) to Gin HTTP routes, and the
// client-side http.Client implementation of each package's Transport
// interface.
//
// Grounded on distributed-kvstore's internal/api package: one Handler per
// process holding its dependencies, a Register(*gin.Engine) method mounting
// route groups, and the same middleware pair (request logging, panic
// recovery) from internal/api/middleware.go.
package httprpc

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"

	"chordreduce/internal/chord"
	"chordreduce/internal/dht"
	"chordreduce/internal/dht/store"
	"chordreduce/internal/follower"
	"chordreduce/internal/kernel"
	"chordreduce/internal/master"
	"chordreduce/internal/naming"
	"chordreduce/internal/ringid"
	"chordreduce/internal/request"

	"github.com/gin-gonic/gin"
)

// Server holds every role a process may run; nil fields simply skip route
// registration, since a given node need not run every role (e.g. a pure
// Follower has no Master).
type Server struct {
	Chord    *chord.ChordNode
	DHT      *dht.Service
	Naming   *naming.Daemon
	Master   *master.Master
	Follower *follower.Follower
	Request  *request.Handler
}

// Router builds the Gin engine for this node, mounting only the route
// groups for roles that are non-nil.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(Logger(), Recovery())

	if s.Chord != nil {
		s.registerChord(r)
	}
	if s.DHT != nil {
		s.registerDHT(r)
	}
	if s.Naming != nil {
		s.registerNaming(r)
	}
	if s.Master != nil {
		s.registerMaster(r)
	}
	if s.Follower != nil {
		s.registerFollower(r)
	}
	if s.Request != nil {
		s.registerRequest(r)
	}
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

// ─── Chord ──────────────────────────────────────────────────────────────────

type nodeDTO struct {
	Endpoint string `json:"endpoint"`
	ID       string `json:"id"`
}

func toNodeDTO(n chord.Node) nodeDTO {
	return nodeDTO{Endpoint: n.Endpoint, ID: n.ID.String()}
}

func fromNodeDTO(d nodeDTO) (chord.Node, error) {
	id, err := ringid.Parse(d.ID)
	if err != nil {
		return chord.Node{}, err
	}
	return chord.Node{Endpoint: d.Endpoint, ID: id}, nil
}

func (s *Server) registerChord(r *gin.Engine) {
	grp := r.Group("/chord")
	grp.POST("/find-successor", func(c *gin.Context) {
		var body struct {
			ID string `json:"id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := ringid.Parse(body.ID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		succ, err := s.Chord.FindSuccessor(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, toNodeDTO(succ))
	})
	grp.POST("/notify", func(c *gin.Context) {
		var body nodeDTO
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		candidate, err := fromNodeDTO(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.Chord.Notify(candidate)
		c.Status(http.StatusNoContent)
	})
	grp.GET("/predecessor", func(c *gin.Context) {
		pred, ok := s.Chord.GetPredecessor()
		c.JSON(http.StatusOK, gin.H{"node": toNodeDTO(pred), "ok": ok})
	})
	grp.GET("/successors", func(c *gin.Context) {
		list := s.Chord.GetSuccessorList()
		out := make([]nodeDTO, len(list))
		for i, n := range list {
			out[i] = toNodeDTO(n)
		}
		c.JSON(http.StatusOK, gin.H{"nodes": out})
	})
	grp.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
}

// ─── DHT ────────────────────────────────────────────────────────────────────

type valueDTO struct {
	Data      string `json:"data"` // base64
	WriteSeq  uint64 `json:"write_seq"`
	Tombstone bool   `json:"tombstone"`
	UpdatedAt string `json:"updated_at"`
}

func toValueDTO(v store.Value) valueDTO {
	return valueDTO{
		Data:      base64.StdEncoding.EncodeToString(v.Data),
		WriteSeq:  v.WriteSeq,
		Tombstone: v.Tombstone,
		UpdatedAt: v.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}

func (s *Server) registerDHT(r *gin.Engine) {
	grp := r.Group("/dht")
	grp.POST("/insert", func(c *gin.Context) {
		var body struct {
			Key  string `json:"key" binding:"required"`
			Data string `json:"data"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		raw, err := base64.StdEncoding.DecodeString(body.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.DHT.Insert(c.Request.Context(), body.Key, raw); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	grp.GET("/lookup/:key", func(c *gin.Context) {
		data, found, err := s.DHT.Lookup(c.Request.Context(), c.Param("key"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"found": found,
			"data":  base64.StdEncoding.EncodeToString(data),
		})
	})
	grp.POST("/replicate", func(c *gin.Context) {
		var body struct {
			Key   string   `json:"key" binding:"required"`
			Value valueDTO `json:"value"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		raw, err := base64.StdEncoding.DecodeString(body.Value.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updatedAt, err := parseTime(body.Value.UpdatedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		v := store.Value{Data: raw, WriteSeq: body.Value.WriteSeq, Tombstone: body.Value.Tombstone, UpdatedAt: updatedAt}
		if _, err := s.DHT.ApplyReplicated(body.Key, v); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
	grp.GET("/keys", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"keys": s.DHT.LocalKeys()})
	})
	grp.GET("/fetch/:key", func(c *gin.Context) {
		v, found := s.DHT.GetLocal(c.Param("key"))
		c.JSON(http.StatusOK, gin.H{"found": found, "value": toValueDTO(v)})
	})
}

// ─── Naming ─────────────────────────────────────────────────────────────────

func (s *Server) registerNaming(r *gin.Engine) {
	grp := r.Group("/naming")
	// identify answers "are you the active naming daemon" (the response
	// carries only that flag) — the probe a contesting daemon sends to each
	// ring peer to find a rival worth contesting.
	grp.GET("/identify", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"active": s.Naming.IsLocal()})
	})
	grp.POST("/forward", func(c *gin.Context) {
		var entries map[string]string
		if err := c.ShouldBindJSON(&entries); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.Naming.ReceiveForwarded(entries)
		c.Status(http.StatusNoContent)
	})
}

// ─── Master ─────────────────────────────────────────────────────────────────

func (s *Server) registerMaster(r *gin.Engine) {
	grp := r.Group("/master")
	grp.POST("/subscribe", func(c *gin.Context) {
		var body struct {
			Follower string `json:"follower" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.Master.Subscribe(body.Follower)
		c.Status(http.StatusNoContent)
	})
	grp.POST("/report", func(c *gin.Context) {
		var body struct {
			Follower     string            `json:"follower" binding:"required"`
			TaskID       string            `json:"task_id" binding:"required"`
			Phase        master.State      `json:"phase" binding:"required"`
			MapResult    []kernel.KeyValue `json:"map_result"`
			ReduceResult string            `json:"reduce_result"`
			Failed       bool              `json:"failed"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.Master.ReportTask(c.Request.Context(), body.Follower, body.TaskID, body.Phase, body.MapResult, body.ReduceResult, body.Failed); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

// ─── Follower ───────────────────────────────────────────────────────────────

func (s *Server) registerFollower(r *gin.Engine) {
	grp := r.Group("/follower")
	grp.POST("/do", func(c *gin.Context) {
		var body struct {
			TaskID       string            `json:"task_id" binding:"required"`
			Phase        follower.Phase    `json:"phase" binding:"required"`
			Kernel       string            `json:"kernel" binding:"required"`
			MapRecords   []kernel.KeyValue `json:"map_records"`
			ReduceKey    string            `json:"reduce_key"`
			ReduceValues []string          `json:"reduce_values"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusAccepted)
		// The request context ends as soon as this handler returns, so the
		// background task and its later ReportTask call run detached from it.
		go func() {
			if err := s.Follower.Do(context.Background(), body.TaskID, body.Phase, body.Kernel,
				body.MapRecords, body.ReduceKey, body.ReduceValues); err != nil {
				s.logDoError(err)
			}
		}()
	})
}

func (s *Server) logDoError(err error) {
	// Do() already reports failure to the Master itself; this is just a
	// local trace for the follower's own operator.
	log.Printf("httprpc: follower task failed: %v", err)
}

// ─── Request handler ────────────────────────────────────────────────────────

func (s *Server) registerRequest(r *gin.Engine) {
	grp := r.Group("/request")
	grp.POST("/startup", func(c *gin.Context) {
		var body struct {
			ClientAddr string   `json:"client_addr" binding:"required"`
			Kernel     string   `json:"kernel" binding:"required"`
			Data       []string `json:"data"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := s.Request.Startup(c.Request.Context(), body.ClientAddr, body.Kernel, body.Data); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})
}

// ─── Client callback ────────────────────────────────────────────────────────

// NotifyResultsHandler is mounted by internal/mrclient's own Gin engine —
// kept here so the wire shape (JSON body of []kernel.KeyValue) has one
// definition shared by server and client.
func NotifyResultsHandler(onResults func([]kernel.KeyValue)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var results []kernel.KeyValue
		if err := c.ShouldBindJSON(&results); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		onResults(results)
		c.Status(http.StatusNoContent)
	}
}

// NewClientCallbackEngine builds the minimal Gin engine internal/mrclient
// runs to receive a Master's result callback: one route, the same
// middleware pair every other role mounts.
func NewClientCallbackEngine(onResults func([]kernel.KeyValue)) *gin.Engine {
	r := gin.New()
	r.Use(Logger(), Recovery())
	r.POST("/client/notify-results", NotifyResultsHandler(onResults))
	return r
}
