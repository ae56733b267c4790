// Command smoke-handoff exercises a running API end to end: it provisions a
// throwaway user, hands the on-call role to them through the front door and
// checks the read API reflects it.
package main

import (
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

type onCallReply struct {
	Status string `json:"status"`
	OnCall struct {
		Phone    string `json:"phone"`
		UserID   int64  `json:"user_id"`
		Division string `json:"division"`
	} `json:"on_call"`
}

func main() {
	base := envOr("ONCALL_API_URL", "http://localhost:5000")
	user := envOr("ADMIN_USER", "admin")
	pass := envOr("ADMIN_PASSWORD", "admin")
	division := envOr("SMOKE_DIVISION", "smoke_test")

	client := resty.New().SetBaseURL(base).SetTimeout(5 * time.Second)

	var tok struct {
		Token string `json:"token"`
	}
	resp, err := client.R().SetBasicAuth(user, pass).SetResult(&tok).Post("/api/token")
	if err != nil || resp.StatusCode() != http.StatusOK {
		log.Fatalf("issue token: %v (status %d)", err, resp.StatusCode())
	}
	client.SetAuthToken(tok.Token)

	pin := strconv.Itoa(100000 + rand.IntN(900000))
	phone := fmt.Sprintf("+1555%07d", rand.IntN(10_000_000))
	var created struct {
		UserID int64 `json:"user_id"`
	}
	resp, err = client.R().
		SetBody(map[string]string{"pin": pin, "phone": phone, "name": "smoke", "division": division}).
		SetResult(&created).
		Post("/api/users")
	if err != nil || resp.StatusCode() != http.StatusCreated {
		log.Fatalf("create user: %v (status %d: %s)", err, resp.StatusCode(), resp.String())
	}

	resp, err = client.R().
		SetFormData(map[string]string{"pin": pin, "caller_id": "smoke-handoff"}).
		Post("/authenticate")
	if err != nil || resp.StatusCode() != http.StatusOK {
		log.Fatalf("authenticate: %v (status %d: %s)", err, resp.StatusCode(), resp.String())
	}

	var cur onCallReply
	resp, err = client.R().SetQueryParam("division", division).SetResult(&cur).Get("/api/oncall")
	if err != nil || resp.StatusCode() != http.StatusOK {
		log.Fatalf("current on-call: %v (status %d)", err, resp.StatusCode())
	}
	if cur.OnCall.Phone != phone || cur.OnCall.UserID != created.UserID {
		log.Fatalf("unexpected on-call: %+v, want phone=%s user=%d", cur.OnCall, phone, created.UserID)
	}

	resp, err = client.R().
		SetFormData(map[string]string{"pin": "0", "caller_id": "smoke-handoff"}).
		Post("/authenticate")
	if err != nil || resp.StatusCode() != http.StatusForbidden {
		log.Fatalf("wrong pin should be refused: %v (status %d)", err, resp.StatusCode())
	}

	fmt.Printf("handoff smoke test passed: division=%s user=%d\n", division, created.UserID)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
