package channelsync

import (
	"github.com/nlstn/go-channelsync/internal/channel"
	"github.com/nlstn/go-channelsync/internal/config"
	"github.com/nlstn/go-channelsync/internal/operation"
	"github.com/nlstn/go-channelsync/internal/payload"
	"github.com/nlstn/go-channelsync/internal/taskstore"
)

// Config is the complete engine configuration.
type Config = config.Config

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads defaults, the optional YAML file at path, .env and
// CHANNELSYNC_* environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// Handler contract.
type (
	Handler     = operation.Handler
	HandlerFunc = operation.HandlerFunc
	Request     = operation.Request
	Outcome     = operation.Outcome
	Child       = operation.Child
	ChildCounts = operation.ChildCounts
)

// Outcome constructors.
var (
	Succeeded       = operation.Succeeded
	SucceededWith   = operation.SucceededWith
	Retryable       = operation.Retryable
	Permanent       = operation.Permanent
	Suspended       = operation.Suspended
	WaitForChildren = operation.WaitForChildren
)

// ChannelClient talks to one sales channel.
type ChannelClient = channel.Client

// Task records and their aggregation.
type (
	Task   = taskstore.TaskRecord
	State  = taskstore.State
	Counts = taskstore.Counts
)

// Task states.
const (
	StatePending   = taskstore.StatePending
	StateClaimed   = taskstore.StateClaimed
	StateSuspended = taskstore.StateSuspended
	StateSucceeded = taskstore.StateSucceeded
	StateFailed    = taskstore.StateFailed
)

// Operation payloads.
type (
	Payload         = payload.Payload
	Direction       = payload.Direction
	SyncShop        = payload.SyncShop
	SyncProduct     = payload.SyncProduct
	UpdateAttribute = payload.UpdateAttribute
	DeleteAttribute = payload.DeleteAttribute
	UploadImage     = payload.UploadImage
	UpdateInventory = payload.UpdateInventory
)

// Product sync directions.
const (
	Download = payload.Download
	Upload   = payload.Upload
)
