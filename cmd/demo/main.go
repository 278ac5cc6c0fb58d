// Command demo is a minimal web application showing the hosted authorization
// flow end to end: mount the authorize handler, send a user through it, then
// fetch a fresh credential and call the service's API with it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/oauth2"

	everyauth "github.com/everyauth/everyauth-go"
)

const serviceID = "slack"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error running demo: %s\n", err)
	}
	log.Printf("Demo stopped\n")
}

func run() error {
	displayAppname("EveryAuth Demo")

	client, err := everyauth.New()
	if err != nil {
		return fmt.Errorf("everyauth.New: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Mount("/authorize", client.Authorize(serviceID, everyauth.AuthorizeOptions{
		FinishedURL: "/finished",
		MapToUserID: func(r *http.Request) (string, error) {
			userID := r.URL.Query().Get("userId")
			if userID == "" {
				return "", errors.New("userId query parameter is required")
			}
			return userID, nil
		},
	}))

	r.Get("/finished", finishedHandler(client))

	server := &http.Server{Addr: listenAddr(), Handler: r}
	go func() {
		log.Printf("Demo listening on %s\n", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("server.ListenAndServe: %s\n", err)
		}
	}()

	waitForStopSignal()
	return shutdown(server)
}

// finishedHandler is the post-authorization landing page. It resolves the
// user's identity and, on success, proves the credential works by calling
// Slack's auth.test endpoint with an oauth2-wrapped HTTP client.
func finishedHandler(client *everyauth.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if errParam := query.Get("error"); errParam != "" {
			http.Error(w, fmt.Sprintf("Authorization failed: %s", errParam), http.StatusBadRequest)
			return
		}

		userID := query.Get("userId")
		tenantID := query.Get("tenantId")

		credential, err := client.GetIdentity(r.Context(), serviceID, everyauth.ByUserTenant(userID, tenantID))
		if err != nil {
			http.Error(w, fmt.Sprintf("Resolving identity failed: %s", err), http.StatusInternalServerError)
			return
		}
		if credential == nil {
			http.Error(w, "No identity found; authorize first", http.StatusNotFound)
			return
		}

		authed := oauth2.NewClient(r.Context(), credential.TokenSource())
		res, err := authed.Get("https://slack.com/api/auth.test")
		if err != nil {
			http.Error(w, fmt.Sprintf("Calling Slack failed: %s", err), http.StatusBadGateway)
			return
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"userId":   userID,
			"tenantId": tenantID,
			"identity": credential.Fusebit,
			"slack":    json.RawMessage(body),
		})
	}
}

func listenAddr() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	return ":" + port
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
