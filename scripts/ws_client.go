// Package main submits a demo optimization job and follows it over the
// websocket stream until it finishes.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/gorilla/websocket"
)

const demoRequest = `{
  "instance": {
    "factory": {"id": "F", "name": "Plant", "lat": 45.07, "lon": 7.68},
    "depots": [
      {"id": "D1", "lat": 45.11, "lon": 7.64, "demand_by_shift": {"S1": 12}},
      {"id": "D2", "lat": 45.03, "lon": 7.72, "demand_by_shift": {"S1": 7}},
      {"id": "D3", "lat": 45.09, "lon": 7.75, "demand_by_shift": {"S1": 5}}
    ],
    "shifts": [{"id": "S1", "start_time": "06:00", "max_ride_minutes": 60}],
    "vehicles": {
      "owned": [{"type_id": "VAN", "capacity": 9, "cost_per_km": 0.8, "count": 2}],
      "rented": [{"type_id": "BUS", "capacity": 30, "cost_per_km": 1.6, "fixed_rental_cost": 120}]
    }
  },
  "settings": {"populationSize": 20, "generations": 40, "seed": 42}
}`

type event struct {
	Type  string         `json:"type"`
	JobID string         `json:"jobId"`
	Data  map[string]any `json:"data"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	token := os.Getenv("API_TOKEN")

	req, _ := http.NewRequest(http.MethodPost, base+"/v1/optimize", bytes.NewReader([]byte(demoRequest)))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("optimize: status %d", resp.StatusCode)
	}
	var submitted struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		log.Fatal(err)
	}
	log.Printf("Job ID: %s", submitted.JobID)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/jobs/" + submitted.JobID + "/ws"}
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	for {
		var evt event
		if err := c.ReadJSON(&evt); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("stream closed")
				return
			}
			log.Fatal("read:", err)
		}
		switch evt.Type {
		case "job.progress":
			log.Printf("shift %v gen %v/%v  %.1f%%  best %.2f", evt.Data["shiftId"], evt.Data["generation"],
				evt.Data["generations"], evt.Data["progress"], evt.Data["bestCost"])
		case "job.log":
			log.Printf("log: %v", evt.Data["line"])
		default:
			log.Printf("%s %v", evt.Type, evt.Data)
		}
	}
}
