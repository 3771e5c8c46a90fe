// Package request implements the request-handler role: the entry point a
// client's startup() call reaches to stage a new MapReduce job into the
// DHT, rejecting a submission while a previous job is still in flight.
//
// Grounded on map_reduce/client/server_interface.py's ServerInterface.startup
// (client side) and its counterpart "request-handler" named service the
// client looks up before calling startup(addr, data, map_f, reduce_f); since
// kernels are named rather than shipped as code (see internal/kernel), the
// staged payload carries a kernel name instead of function bytes.
package request

import (
	"context"
	"fmt"

	"chordreduce/internal/kernel"
	"chordreduce/internal/master"
	"chordreduce/internal/rpcutil"

	"gopkg.in/yaml.v3"
)

// DHT is the minimal staging surface the handler needs.
type DHT interface {
	Insert(ctx context.Context, key string, data []byte) error
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
}

// Handler accepts job submissions and stages them for the Master to pick up.
type Handler struct {
	dht DHT
}

func New(dht DHT) *Handler {
	return &Handler{dht: dht}
}

// Startup stages a new job: kernelName must resolve to a registered kernel,
// data is the input record set, clientAddr is where the Master should call
// back with results once the job commits. It returns rpcutil.ErrBusy if a
// job is already staged and not yet cleared by the Master's commit step.
func (h *Handler) Startup(ctx context.Context, clientAddr, kernelName string, data []string) error {
	if err := kernel.Validate(kernelName); err != nil {
		return fmt.Errorf("request: %w", err)
	}

	existing, found, err := h.dht.Lookup(ctx, master.StagedData)
	if err != nil {
		return fmt.Errorf("request: checking for an in-progress job: %w", err)
	}
	if found && len(existing) > 0 {
		return rpcutil.ErrBusy
	}

	raw, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("request: encoding input data: %w", err)
	}

	if err := h.dht.Insert(ctx, master.StagedData, raw); err != nil {
		return fmt.Errorf("request: staging data: %w", err)
	}
	if err := h.dht.Insert(ctx, master.StagedMapCode, []byte(kernelName)); err != nil {
		return fmt.Errorf("request: staging map kernel: %w", err)
	}
	if err := h.dht.Insert(ctx, master.StagedReduceCode, []byte(kernelName)); err != nil {
		return fmt.Errorf("request: staging reduce kernel: %w", err)
	}
	if err := h.dht.Insert(ctx, master.StagedClient, []byte(clientAddr)); err != nil {
		return fmt.Errorf("request: staging client callback: %w", err)
	}
	return nil
}
