package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type diary struct {
	ID        string    `json:"id"`
	Mood      string    `json:"mood"`
	Score     int       `json:"score"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type callError struct {
	status  string
	message string
}

func (e *callError) Error() string { return e.status + ": " + e.message }

// backend answers POST /<operation> with {"result": ...} or
// {"error": {"status", "message"}}, like a callable function.
type backend struct {
	failRate float64
	latency  time.Duration
	logger   *slog.Logger
	rand     func() float64

	mu       sync.Mutex
	diaries  map[string]diary
	products []product
	ops      map[string]func(json.RawMessage) (any, error)
}

func newBackend(failRate float64, latency time.Duration, logger *slog.Logger) *backend {
	b := &backend{
		failRate: failRate,
		latency:  latency,
		logger:   logger,
		rand:     rand.Float64,
		diaries:  make(map[string]diary),
		products: []product{
			{ID: "p1", Name: "Gentle Cleanser"},
			{ID: "p2", Name: "Hydrating Toner"},
			{ID: "p3", Name: "Daily Moisturizer"},
			{ID: "p4", Name: "Foaming Cleanser"},
		},
	}
	b.ops = map[string]func(json.RawMessage) (any, error){
		"diaryList":       b.diaryList,
		"diaryStats":      b.diaryStats,
		"getDiaryEntry":   b.getDiaryEntry,
		"getUserProducts": b.userProducts,
		"searchProducts":  b.searchProducts,
		"createDiary":     b.createDiary,
		"updateDiary":     b.updateDiary,
		"deleteDiary":     b.deleteDiary,
	}
	return b
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// /__status/{code} returns an arbitrary HTTP status with no envelope.
	if code, ok := strings.CutPrefix(r.URL.Path, "/__status/"); ok {
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 599 {
			n = 500
		}
		w.WriteHeader(n)
		return
	}
	if r.Method != http.MethodPost {
		writeEnvelope(w, http.StatusMethodNotAllowed, nil, &callError{"INVALID_ARGUMENT", "callable functions accept POST only"})
		return
	}

	op := strings.Trim(r.URL.Path, "/")
	fn, ok := b.ops[op]
	if !ok {
		writeEnvelope(w, http.StatusNotFound, nil, &callError{"NOT_FOUND", "unknown operation " + op})
		return
	}

	var req struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil, &callError{"INVALID_ARGUMENT", "body must be {\"data\": ...}"})
		return
	}

	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-r.Context().Done():
			return
		}
	}
	if b.failRate > 0 && b.rand() < b.failRate {
		b.logger.Info("injected failure", "operation", op, "request_id", r.Header.Get("X-Request-ID"))
		writeEnvelope(w, http.StatusServiceUnavailable, nil, &callError{"UNAVAILABLE", "injected failure"})
		return
	}

	res, err := fn(req.Data)
	if err != nil {
		status := http.StatusBadRequest
		if ce, ok := err.(*callError); ok && ce.status == "NOT_FOUND" {
			status = http.StatusNotFound
		}
		writeEnvelope(w, status, nil, err)
		return
	}
	b.logger.Debug("call served", "operation", op, "idempotency_key", r.Header.Get("Idempotency-Key"))
	writeEnvelope(w, http.StatusOK, res, nil)
}

func writeEnvelope(w http.ResponseWriter, status int, result any, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err != nil {
		ce, ok := err.(*callError)
		if !ok {
			ce = &callError{"INTERNAL", err.Error()}
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"error": map[string]string{"status": ce.status, "message": ce.message},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"result": result}) //nolint:errcheck
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &callError{"INVALID_ARGUMENT", err.Error()}
	}
	return nil
}

// intParam accepts numbers and numeric strings, since GET payloads built
// from query strings carry every value as a string.
func intParam(v any, def int) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

func (b *backend) sortedDiaries() []diary {
	out := make([]diary, 0, len(b.diaries))
	for _, d := range b.diaries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (b *backend) diaryList(data json.RawMessage) (any, error) {
	var req map[string]any
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	page := max(intParam(req["page"], 1), 1)
	size := min(max(intParam(req["pageSize"], 20), 1), 100)

	b.mu.Lock()
	all := b.sortedDiaries()
	b.mu.Unlock()

	start := min((page-1)*size, len(all))
	end := min(start+size, len(all))
	return map[string]any{"items": all[start:end], "page": page, "hasMore": end < len(all)}, nil
}

func (b *backend) diaryStats(json.RawMessage) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, sum := len(b.diaries), 0
	var last *time.Time
	for _, d := range b.diaries {
		sum += d.Score
		if last == nil || d.CreatedAt.After(*last) {
			t := d.CreatedAt
			last = &t
		}
	}
	avg := 0.0
	if total > 0 {
		avg = float64(sum) / float64(total)
	}
	return map[string]any{"totalDiaries": total, "averageScore": avg, "streakDays": min(total, 7), "lastEntryAt": last}, nil
}

func (b *backend) getDiaryEntry(data json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.diaries[req.ID]
	if !ok {
		return nil, &callError{"NOT_FOUND", "no diary " + req.ID}
	}
	return d, nil
}

func (b *backend) userProducts(json.RawMessage) (any, error) {
	return map[string]any{"products": b.products[:2]}, nil
}

func (b *backend) searchProducts(data json.RawMessage) (any, error) {
	var req struct {
		Keyword string `json:"keyword"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	kw := strings.ToLower(strings.TrimSpace(req.Keyword))
	out := []product{}
	for _, p := range b.products {
		if kw == "" || strings.Contains(strings.ToLower(p.Name), kw) {
			out = append(out, p)
		}
	}
	return map[string]any{"products": out, "keyword": req.Keyword}, nil
}

func (b *backend) createDiary(data json.RawMessage) (any, error) {
	var d diary
	if err := decode(data, &d); err != nil {
		return nil, err
	}
	if d.Mood == "" {
		return nil, &callError{"INVALID_ARGUMENT", "mood is required"}
	}
	d.ID = uuid.NewString()
	d.CreatedAt = time.Now().UTC()

	b.mu.Lock()
	b.diaries[d.ID] = d
	b.mu.Unlock()
	return d, nil
}

func (b *backend) updateDiary(data json.RawMessage) (any, error) {
	var patch diary
	if err := decode(data, &patch); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.diaries[patch.ID]
	if !ok {
		return nil, &callError{"NOT_FOUND", fmt.Sprintf("no diary %q", patch.ID)}
	}
	if patch.Mood != "" {
		d.Mood = patch.Mood
	}
	if patch.Score != 0 {
		d.Score = patch.Score
	}
	if patch.Note != "" {
		d.Note = patch.Note
	}
	b.diaries[d.ID] = d
	return d, nil
}

func (b *backend) deleteDiary(data json.RawMessage) (any, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.diaries[req.ID]; !ok {
		return nil, &callError{"NOT_FOUND", fmt.Sprintf("no diary %q", req.ID)}
	}
	delete(b.diaries, req.ID)
	return map[string]bool{"deleted": true}, nil
}
