// Package queue defines the opaque job descriptors the gateway core enqueues
// onto the external job system. The core never schedules work itself; the
// only job type it produces is a VTXO replenishment request raised by the
// inventory monitor when an asset's pool runs low.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ReplenishJobFunction is the function_name the worker dispatches on.
const ReplenishJobFunction = "vtxo.create_batch"

// ReplenishStream and ReplenishConsumerGroup name the Redis stream and
// consumer group the inventory worker declares for replenishment jobs.
const (
	ReplenishStream        = "arkgw:vtxo:replenish"
	ReplenishConsumerGroup = "vtxo-replenish-workers"
)

// ReplenishArgs is the args payload of a VTXO replenishment job: mint Count
// vtxos of Amount each for AssetID.
type ReplenishArgs struct {
	AssetID string `json:"asset_id"`
	Count   int    `json:"count"`
	Amount  int64  `json:"amount"`
}

// Job is the opaque job descriptor the core enqueues onto the external job
// queue: {function_name, args, timeout, result_ttl}. It carries a random
// (not content-hashed) id, since nothing downstream needs to derive it
// deterministically from its payload.
type Job struct {
	ID           string          `json:"id"`
	FunctionName string          `json:"function_name"`
	Args         json.RawMessage `json:"args"`
	TimeoutSec   int             `json:"timeout"`
	ResultTTLSec int             `json:"result_ttl"`
}

// NewReplenishJob builds the job descriptor the inventory monitor enqueues
// when an asset's available vtxos fall below policy.
func NewReplenishJob(args ReplenishArgs, timeoutSec, resultTTLSec int) (*Job, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal replenish args: %w", err)
	}
	return &Job{
		ID:           uuid.NewString(),
		FunctionName: ReplenishJobFunction,
		Args:         payload,
		TimeoutSec:   timeoutSec,
		ResultTTLSec: resultTTLSec,
	}, nil
}

// ToJSON serializes the job to the bytes published onto the job stream.
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// FromJSON deserializes a job descriptor and validates it.
func FromJSON(data []byte) (*Job, error) {
	j := &Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Validate checks the job descriptor has the fields required to dispatch it.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("id is required")
	}
	if j.FunctionName == "" {
		return errors.New("function_name is required")
	}
	if j.TimeoutSec <= 0 {
		return errors.New("timeout must be greater than 0")
	}
	if j.ResultTTLSec <= 0 {
		return errors.New("result_ttl must be greater than 0")
	}
	return nil
}

// ReplenishArgs decodes the job's Args as ReplenishArgs. Callers should check
// FunctionName == ReplenishJobFunction before calling this.
func (j *Job) ReplenishArgs() (ReplenishArgs, error) {
	var args ReplenishArgs
	if err := json.Unmarshal(j.Args, &args); err != nil {
		return ReplenishArgs{}, fmt.Errorf("failed to unmarshal replenish args: %w", err)
	}
	if args.AssetID == "" {
		return ReplenishArgs{}, errors.New("asset_id is required")
	}
	if args.Count <= 0 {
		return ReplenishArgs{}, errors.New("count must be greater than 0")
	}
	if args.Amount <= 0 {
		return ReplenishArgs{}, errors.New("amount must be greater than 0")
	}
	return args, nil
}
