// Package router partitions a batch of conversion jobs between the client
// (local engine) and server (remote endpoint) lanes, using predicted
// wall-clock times for each path. Routing is a pure function of the file
// metadata and the current network speed estimate.
package router

import (
	"log"
	"sort"
	"time"

	"batchconvert/internal/models"
	"batchconvert/internal/netmon"
)

// Local engine throughput by category, bytes/s.
var clientBaseSpeed = map[models.Category]float64{
	models.CategoryImage: 50 * 1024 * 1024,
	models.CategoryVideo: 5 * 1024 * 1024,
	models.CategoryAudio: 20 * 1024 * 1024,
}

// Remote fleet processing throughput by category, bytes/s.
var serverBaseSpeed = map[models.Category]float64{
	models.CategoryImage: 100 * 1024 * 1024,
	models.CategoryVideo: 8 * 1024 * 1024,
	models.CategoryAudio: 30 * 1024 * 1024,
}

const (
	defaultBaseSpeed = 10 * 1024 * 1024

	// One-time engine warm-up charged to the first local conversion.
	engineWarmupCost = 3 * time.Second

	// A lane must win by more than 20% to be chosen over the tie-break.
	decisionMargin = 0.8
)

// Router stamps each job with a route and an estimated duration, and splits
// the batch into the two lane queues.
type Router struct {
	Speeds *netmon.Monitor

	// EngineReady reports whether the local engine has already been
	// initialized this session. A cold engine adds a warm-up cost to the
	// first client-side estimate. Nil means cold.
	EngineReady func() bool
}

// AnalyzeAndRoute assigns every job a route and estimated time, then returns
// the client queue sorted cheapest-first and the server queue sorted
// largest-first. It mutates the jobs but executes nothing.
func (r *Router) AnalyzeAndRoute(jobs []*models.Job) (clientQueue, serverQueue []*models.Job) {
	speed := r.Speeds.Speed()

	for _, job := range jobs {
		clientTime := r.EstimateClientTime(job.File)
		serverTime := r.EstimateServerTime(job.File, speed)

		route := models.RouteServer
		switch {
		case !CanConvertLocally(job.File):
			route = models.RouteServer
		case float64(clientTime) < float64(serverTime)*decisionMargin:
			route = models.RouteClient
		case float64(serverTime) < float64(clientTime)*decisionMargin:
			route = models.RouteServer
		default:
			// Within 20% of each other: keep the bytes on the device.
			route = models.RouteClient
		}

		job.Route = route
		if route == models.RouteClient {
			job.EstimatedTime = clientTime
		} else {
			job.EstimatedTime = serverTime
		}

		if job.Route == models.RouteClient {
			clientQueue = append(clientQueue, job)
		} else {
			serverQueue = append(serverQueue, job)
		}
	}

	// Cheapest first: minimizes time to first result on the sequential lane.
	sort.SliceStable(clientQueue, func(i, j int) bool {
		return clientQueue[i].EstimatedTime < clientQueue[j].EstimatedTime
	})
	// Largest first: avoids a long-tail straggler in the worker pool.
	sort.SliceStable(serverQueue, func(i, j int) bool {
		return serverQueue[i].File.Size > serverQueue[j].File.Size
	})

	log.Printf("[ROUTE] %d client, %d server", len(clientQueue), len(serverQueue))
	return clientQueue, serverQueue
}

// EstimateClientTime predicts how long the local engine would take for the
// file, including the one-time warm-up if the engine is still cold.
func (r *Router) EstimateClientTime(file models.File) time.Duration {
	speed := clientBaseSpeed[FileCategory(file)]
	if speed == 0 {
		speed = defaultBaseSpeed
	}

	estimate := secondsFor(file.Size, speed)
	if r.EngineReady == nil || !r.EngineReady() {
		estimate += engineWarmupCost
	}
	return estimate
}

// EstimateServerTime predicts the full remote round trip: upload, remote
// processing, download.
func (r *Router) EstimateServerTime(file models.File, speed models.NetworkSpeed) time.Duration {
	processing := serverBaseSpeed[FileCategory(file)]
	if processing == 0 {
		processing = defaultBaseSpeed
	}

	return secondsFor(file.Size, speed.Upload) +
		secondsFor(file.Size, processing) +
		secondsFor(file.Size, speed.Download)
}

func secondsFor(size int64, bytesPerSec float64) time.Duration {
	if bytesPerSec <= 0 {
		bytesPerSec = defaultBaseSpeed
	}
	return time.Duration(float64(size) / bytesPerSec * float64(time.Second))
}
