package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"agentic-trust/sdk/go/agentictrust"
)

const demoAccount = "0x5555555555555555555555555555555555555555"

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/agents/resolve-account", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentictrust.Resolution{Account: demoAccount, Method: "ens-identity"})
	})
	mux.HandleFunc("POST /api/agents/aa/deploy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(agentictrust.DeployAck{JobID: "job-demo", Status: "pending"})
	})
	mux.HandleFunc("GET /api/agents/aa/deploy", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentictrust.DeployJob{
			ID:        r.URL.Query().Get("id"),
			AgentName: "alice.agent",
			Status:    "succeeded",
			Attempts:  1,
			Result:    &agentictrust.DeployOutcome{Address: demoAccount, Deployed: true},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentictrust.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.ResolveAccount(ctx, agentictrust.ResolveAccountRequest{AgentName: "alice.agent"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("resolved alice.agent to %s via %s\n", res.Account, res.Method)

	ack, err := client.SubmitDeployment(ctx, agentictrust.DeployRequest{
		AgentName:  "alice.agent",
		EOAAddress: "0x1111111111111111111111111111111111111111",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("queued deployment %s (status=%s)\n", ack.JobID, ack.Status)

	job, err := client.WaitForDeployment(ctx, ack.JobID, 200*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("deployment %s finished: %s deployed=%v\n", job.ID, job.Result.Address, job.Result.Deployed)
}
