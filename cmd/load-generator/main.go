package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tasklane/platform/internal/contracts"
	"github.com/tasklane/platform/internal/platform/env"
	"github.com/tasklane/platform/internal/platform/metrics"
	"github.com/tasklane/platform/internal/wsclient"
)

type config struct {
	APIBase                 string
	GatewayWSURL            string
	Users                   int
	SetupConcurrency        int
	StartupWait             time.Duration
	Duration                time.Duration
	RampUp                  time.Duration
	ActionsPerUserPerSecond float64
	RequestTimeout          time.Duration
	MetricsAddr             string
	Password                string
	EnableWS                bool
	RecurringShare          float64
}

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type taskResponse struct {
	Task    contracts.TaskSnapshot `json:"task"`
	EventID string                 `json:"event_id"`
}

type simulatedUser struct {
	Index       int
	Username    string
	Password    string
	AccessToken string

	mu          sync.Mutex
	tasks       []string
	ownEventIDs map[string]struct{}
}

type runner struct {
	cfg       config
	runID     string
	apiClient *http.Client

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64
	activeWS        atomic.Int64
	framesReceived  atomic.Int64
	framesOwnEcho   atomic.Int64
	remindersSeen   atomic.Int64
}

var (
	requestsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasklane_loadgen_requests_total",
		Help: "HTTP requests sent by the load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasklane_loadgen_actions_total",
		Help: "Task actions executed by the load generator.",
	}, []string{"action", "outcome"})

	framesTotal = metrics.NewCounterVec(metrics.Opts{
		Name: "tasklane_loadgen_ws_frames_total",
		Help: "WebSocket frames received, split by echo suppression.",
	}, []string{"kind"})

	virtualUsersGauge = metrics.NewGauge(metrics.Opts{
		Name: "tasklane_loadgen_virtual_users",
		Help: "Active virtual users sending actions.",
	})

	wsConnectedGauge = metrics.NewGauge(metrics.Opts{
		Name: "tasklane_loadgen_ws_connected_users",
		Help: "Users with a live gateway connection.",
	})
)

func init() {
	metrics.Default.MustRegister(requestsTotal, actionsTotal, framesTotal, virtualUsersGauge, wsConnectedGauge)
}

func main() {
	cfg := loadConfig()
	if cfg.Users <= 0 {
		log.Fatal("LOADGEN_USERS must be > 0")
	}
	if cfg.SetupConcurrency <= 0 {
		log.Fatal("LOADGEN_SETUP_CONCURRENCY must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	go runMetricsServer(cfg.MetricsAddr)

	r := &runner{
		cfg:   cfg,
		runID: strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
		apiClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Users * 4,
				MaxIdleConnsPerHost: cfg.Users * 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	if err := r.waitForHTTPStatus(ctx, cfg.APIBase+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		log.Fatalf("task-api not ready: %v", err)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		log.Fatal("failed to initialize any users")
	}
	log.Printf("load generator initialized: users=%d duration=%s ws=%v rate_per_user=%.2f req/s",
		len(users), cfg.Duration.String(), cfg.EnableWS, cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for idx := range users {
		user := users[idx]
		wg.Add(1)
		go func(u *simulatedUser) {
			defer wg.Done()
			r.runUser(ctx, u)
		}(user)
	}

	<-ctx.Done()
	wg.Wait()

	log.Printf("load test complete: success_requests=%d error_requests=%d frames=%d own_echo=%d reminders=%d",
		r.requestsSuccess.Load(), r.requestsError.Load(),
		r.framesReceived.Load(), r.framesOwnEcho.Load(), r.remindersSeen.Load())
}

func loadConfig() config {
	return config{
		APIBase:                 trimRightSlash(env.String("LOADGEN_API_BASE", "http://task-api:8080")),
		GatewayWSURL:            env.String("LOADGEN_GATEWAY_WS_URL", "ws://ws-gateway:8081/ws"),
		Users:                   env.Int("LOADGEN_USERS", 200),
		SetupConcurrency:        env.Int("LOADGEN_SETUP_CONCURRENCY", 25),
		StartupWait:             env.Duration("LOADGEN_STARTUP_WAIT", 2*time.Minute),
		Duration:                env.Duration("LOADGEN_DURATION", 10*time.Minute),
		RampUp:                  env.Duration("LOADGEN_RAMP_UP", 30*time.Second),
		ActionsPerUserPerSecond: env.Float("LOADGEN_ACTIONS_PER_USER_PER_SECOND", 0.3),
		RequestTimeout:          env.Duration("LOADGEN_REQUEST_TIMEOUT", 10*time.Second),
		MetricsAddr:             env.String("LOADGEN_METRICS_ADDR", ":9099"),
		Password:                env.String("LOADGEN_PASSWORD", "load-test-pass-123"),
		EnableWS:                env.Bool("LOADGEN_ENABLE_WS", true),
		RecurringShare:          env.Float("LOADGEN_RECURRING_SHARE", 0.15),
	}
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		resp, err := r.apiClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(1200 * time.Millisecond)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode == expectedStatus {
			return nil
		}
		lastErr = fmt.Errorf("status=%d", resp.StatusCode)
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	type setupResult struct {
		user *simulatedUser
		err  error
	}

	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	results := make(chan setupResult, r.cfg.Users)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Users; i++ {
		idx := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			user, err := r.setupSingleUser(ctx, idx)
			results <- setupResult{user: user, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	users := make([]*simulatedUser, 0, r.cfg.Users)
	failures := 0
	for result := range results {
		if result.err != nil {
			failures++
			log.Printf("user setup failed: %v", result.err)
			continue
		}
		users = append(users, result.user)
	}
	log.Printf("user setup complete: success=%d failed=%d", len(users), failures)
	return users
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	user := &simulatedUser{
		Index:       idx,
		Username:    fmt.Sprintf("load-%s-%04d", r.runID, idx),
		Password:    r.cfg.Password,
		ownEventIDs: make(map[string]struct{}),
	}

	var auth authResponse
	status, err := r.requestJSON(ctx, user, "register", http.MethodPost, r.cfg.APIBase+"/api/v1/auth/register", map[string]string{
		"username": user.Username,
		"password": user.Password,
	}, nil, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", user.Username, err)
	}

	if status == http.StatusConflict {
		auth = authResponse{}
		if _, err := r.requestJSON(ctx, user, "login", http.MethodPost, r.cfg.APIBase+"/api/v1/auth/login", map[string]string{
			"username": user.Username,
			"password": user.Password,
		}, nil, &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", user.Username, err)
		}
	}

	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, fmt.Errorf("empty access token for %s", user.Username)
	}
	user.AccessToken = auth.AccessToken
	return user, nil
}

func (r *runner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration((float64(r.cfg.RampUp) / float64(maxInt(r.cfg.Users, 1))) * float64(user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	if r.cfg.EnableWS {
		r.connectGateway(ctx, user)
	}

	virtualUsersGauge.Inc()
	r.activeVUs.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / r.cfg.ActionsPerUserPerSecond)
		if interval < 25*time.Millisecond {
			interval = 25 * time.Millisecond
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.Index*7)))
	initialJitter := time.Duration(rng.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialJitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, user, rng)
		}
	}
}

// connectGateway holds one websocket client per user for the test's
// lifetime. The client reconnects on its own; the load generator only
// counts what arrives.
func (r *runner) connectGateway(ctx context.Context, user *simulatedUser) {
	client := wsclient.New(r.cfg.GatewayWSURL, user.AccessToken)
	connected := false
	client.OnStatus = func(s wsclient.Status) {
		if s == wsclient.StatusConnected && !connected {
			connected = true
			wsConnectedGauge.Inc()
			r.activeWS.Add(1)
			return
		}
		if s != wsclient.StatusConnected && connected {
			connected = false
			wsConnectedGauge.Dec()
			r.activeWS.Add(-1)
		}
	}
	client.OnUpdate = func(update contracts.TaskUpdatePayload) {
		r.framesReceived.Add(1)
		if user.isOwnEvent(update.EventID) {
			r.framesOwnEcho.Add(1)
			framesTotal.WithLabelValues("own_echo").Inc()
			return
		}
		framesTotal.WithLabelValues("applied").Inc()
	}
	client.OnReminder = func(contracts.ReminderDuePayload) {
		r.remindersSeen.Add(1)
		framesTotal.WithLabelValues("reminder").Inc()
	}
	client.Connect(ctx)
	go func() {
		<-ctx.Done()
		client.Disconnect()
	}()
}

func (r *runner) runAction(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	taskID, hasTask := user.randomTask(rng)

	choice := rng.Float64()
	switch {
	case !hasTask || choice < 0.45:
		r.createTask(ctx, user, rng)
	case choice < 0.70:
		r.updateTask(ctx, user, rng, taskID)
	case choice < 0.90:
		r.completeTask(ctx, user, taskID)
	default:
		r.deleteTask(ctx, user, taskID)
	}
}

func (r *runner) createTask(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	payload := map[string]any{
		"title":    fmt.Sprintf("Load Task %d", rng.Intn(1_000_000)),
		"priority": []string{"low", "medium", "high"}[rng.Intn(3)],
	}
	if rng.Float64() < 0.5 {
		payload["due_at"] = time.Now().UTC().Add(time.Duration(1+rng.Intn(72)) * time.Hour).Format(time.RFC3339)
	}
	if rng.Float64() < r.cfg.RecurringShare {
		payload["recurrence"] = map[string]any{
			"frequency": "daily",
			"interval":  1,
		}
	}

	var resp taskResponse
	_, err := r.requestJSON(ctx, user, "task_create", http.MethodPost, r.cfg.APIBase+"/api/v1/tasks",
		payload, &user.AccessToken, &resp, http.StatusCreated)
	if err != nil {
		actionsTotal.WithLabelValues("create", "error").Inc()
		return
	}
	user.addTask(resp.Task.TaskID)
	user.recordOwnEvent(resp.EventID)
	actionsTotal.WithLabelValues("create", "success").Inc()
}

func (r *runner) updateTask(ctx context.Context, user *simulatedUser, rng *rand.Rand, taskID string) {
	if strings.TrimSpace(taskID) == "" {
		r.createTask(ctx, user, rng)
		return
	}

	var resp taskResponse
	_, err := r.requestJSON(ctx, user, "task_update", http.MethodPatch, r.cfg.APIBase+"/api/v1/tasks/"+taskID,
		map[string]string{"title": fmt.Sprintf("Updated Load Task %d", rng.Intn(1_000_000))},
		&user.AccessToken, &resp, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("update", "error").Inc()
		return
	}
	user.recordOwnEvent(resp.EventID)
	actionsTotal.WithLabelValues("update", "success").Inc()
}

func (r *runner) completeTask(ctx context.Context, user *simulatedUser, taskID string) {
	if strings.TrimSpace(taskID) == "" {
		actionsTotal.WithLabelValues("complete", "error").Inc()
		return
	}

	var resp taskResponse
	_, err := r.requestJSON(ctx, user, "task_complete", http.MethodPost, r.cfg.APIBase+"/api/v1/tasks/"+taskID+"/complete",
		nil, &user.AccessToken, &resp, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("complete", "error").Inc()
		return
	}
	user.recordOwnEvent(resp.EventID)
	actionsTotal.WithLabelValues("complete", "success").Inc()
}

func (r *runner) deleteTask(ctx context.Context, user *simulatedUser, taskID string) {
	if strings.TrimSpace(taskID) == "" {
		actionsTotal.WithLabelValues("delete", "error").Inc()
		return
	}

	var resp taskResponse
	_, err := r.requestJSON(ctx, user, "task_delete", http.MethodDelete, r.cfg.APIBase+"/api/v1/tasks/"+taskID,
		nil, &user.AccessToken, &resp, http.StatusOK)
	if err != nil {
		actionsTotal.WithLabelValues("delete", "error").Inc()
		return
	}
	user.removeTask(taskID)
	user.recordOwnEvent(resp.EventID)
	actionsTotal.WithLabelValues("delete", "success").Inc()
}

func (r *runner) requestJSON(
	ctx context.Context,
	user *simulatedUser,
	endpoint, method, requestURL string,
	payload any,
	bearerToken *string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", fmt.Sprintf("loadgen-%s-%04d", r.runID, user.Index))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearerToken != nil && strings.TrimSpace(*bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*bearerToken))
	}

	resp, err := r.apiClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		requestsTotal.WithLabelValues(endpoint, method, strconv.Itoa(resp.StatusCode), "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, readErr
	}

	statusText := strconv.Itoa(resp.StatusCode)
	if isExpectedStatus(resp.StatusCode, expectedStatuses) {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("progress: success_requests=%d error_requests=%d active_vus=%d active_ws=%d frames=%d own_echo=%d",
				r.requestsSuccess.Load(),
				r.requestsError.Load(),
				r.activeVUs.Load(),
				r.activeWS.Load(),
				r.framesReceived.Load(),
				r.framesOwnEcho.Load(),
			)
		}
	}
}

func runMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.DefaultHandler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("load generator metrics endpoint listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("load generator metrics server failed: %v", err)
	}
}

func (u *simulatedUser) addTask(taskID string) {
	if strings.TrimSpace(taskID) == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tasks = append(u.tasks, taskID)
}

func (u *simulatedUser) randomTask(rng *rand.Rand) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.tasks) == 0 {
		return "", false
	}
	return u.tasks[rng.Intn(len(u.tasks))], true
}

func (u *simulatedUser) removeTask(taskID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for idx, existing := range u.tasks {
		if existing != taskID {
			continue
		}
		u.tasks[idx] = u.tasks[len(u.tasks)-1]
		u.tasks = u.tasks[:len(u.tasks)-1]
		return
	}
}

// recordOwnEvent remembers an event_id returned by the API so the echo
// of that change arriving over the gateway can be told apart from
// changes made elsewhere.
func (u *simulatedUser) recordOwnEvent(eventID string) {
	if strings.TrimSpace(eventID) == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ownEventIDs[eventID] = struct{}{}
}

func (u *simulatedUser) isOwnEvent(eventID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.ownEventIDs[eventID]
	return ok
}

func trimRightSlash(v string) string {
	return strings.TrimRight(strings.TrimSpace(v), "/")
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
