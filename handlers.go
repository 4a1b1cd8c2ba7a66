package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/occumesh/gridmap"
)

// maxEventBody caps POST /events payloads.
const maxEventBody = 1 << 20

// sensorSink accepts decoded sensor messages and knows where the robot was
// last seen.
type sensorSink interface {
	Ingest(ctx context.Context, msg *gridmap.SensorMessage) error
	RobotCell() *gridmap.Index
}

// cellResponse is the JSON body of GET /cells/{x}/{y}.
type cellResponse struct {
	X            int     `json:"x"`
	Y            int     `json:"y"`
	POcc         float64 `json:"pOcc"`
	Occupied     bool    `json:"occupied"`
	Explored     bool    `json:"explored"`
	InflatedCost float64 `json:"inflatedCost"`
	CanOccupy    bool    `json:"canOccupy"`
}

// newHTTPServer creates an HTTP server with all endpoints. sink and hub may
// be nil, which disables POST /events and /ws.
func newHTTPServer(grid *gridmap.Grid, config *gridmap.Config, sink sensorSink, hub *StreamHub) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status      string        `json:"status"`
			Timestamp   time.Time     `json:"timestamp"`
			Stats       gridmap.Stats `json:"stats"`
			Subscribers int           `json:"subscribers"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Stats:     grid.Stats(),
		}
		if hub != nil {
			status.Subscribers = hub.Subscribers()
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	mux.HandleFunc("GET /grid.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(grid.Snapshot()); err != nil {
			log.Printf("Error encoding grid snapshot: %v", err)
		}
	})

	mux.HandleFunc("GET /grid.png", func(w http.ResponseWriter, r *http.Request) {
		renderer := gridmap.NewGridRenderer(grid)
		if px, err := strconv.Atoi(r.URL.Query().Get("cell")); err == nil && px > 0 && px <= 64 {
			renderer.CellPixels = px
		}
		if sink != nil {
			renderer.Robot = sink.RobotCell()
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.EncodePNG(w); err != nil {
			log.Printf("Error encoding grid PNG: %v", err)
		}
	})

	mux.HandleFunc("GET /grid.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer := gridmap.NewVectorRenderer(grid)
		if config != nil {
			if geom, err := config.Geometry(); err == nil {
				renderer.Geometry = geom
				renderer.Walls = config.World.Segments()
			}
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding grid SVG: %v", err)
		}
	})

	mux.HandleFunc("GET /cells/{x}/{y}", func(w http.ResponseWriter, r *http.Request) {
		ix, errX := strconv.Atoi(r.PathValue("x"))
		iy, errY := strconv.Atoi(r.PathValue("y"))
		if errX != nil || errY != nil {
			http.Error(w, "cell indices must be integers", http.StatusBadRequest)
			return
		}
		if !grid.InBounds(ix, iy) {
			xN, yN := grid.Dims()
			http.Error(w, fmt.Sprintf("cell (%d, %d) outside %dx%d grid", ix, iy, xN, yN), http.StatusNotFound)
			return
		}
		resp := cellResponse{
			X:            ix,
			Y:            iy,
			POcc:         grid.OccupancyProbability(ix, iy),
			Occupied:     grid.IsOccupied(ix, iy),
			Explored:     grid.IsExplored(ix, iy),
			InflatedCost: grid.InflatedCost(ix, iy),
			CanOccupy:    grid.CanOccupy(ix, iy),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding cell: %v", err)
		}
	})

	if sink != nil {
		mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
			if err != nil {
				http.Error(w, "reading body: "+err.Error(), http.StatusBadRequest)
				return
			}
			msg, err := gridmap.DecodeSensorMessage(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err := sink.Ingest(r.Context(), msg); err != nil {
				status := http.StatusUnprocessableEntity
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					status = http.StatusServiceUnavailable
				}
				http.Error(w, err.Error(), status)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			if err := json.NewEncoder(w).Encode(grid.Stats()); err != nil {
				log.Printf("Error encoding stats: %v", err)
			}
		})
	}

	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	return logRequests(mux)
}

// logRequests logs every request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s request from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
