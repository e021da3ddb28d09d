// Command loadtest drives a running server: each group gets a creator and
// members who all join the room and send messages, and every participant
// counts what it receives.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-meetup/internal/domain"
	"go-meetup/internal/event"
	"go-meetup/internal/wsclient"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

type config struct {
	baseURL  string
	groups   int
	members  int
	messages int
	timeout  time.Duration
}

type account struct {
	token string
	id    int64
	name  string
}

var (
	sent     atomic.Int64
	received atomic.Int64
	failures atomic.Int64
)

func main() {
	var cfg config
	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "server base URL")
	flag.IntVar(&cfg.groups, "groups", 50, "number of groups")
	flag.IntVar(&cfg.members, "members", 4, "members per group, creator excluded")
	flag.IntVar(&cfg.messages, "messages", 20, "messages per participant")
	flag.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	logger.Info("starting load test",
		zap.Int("groups", cfg.groups),
		zap.Int("participants", cfg.groups*(cfg.members+1)),
		zap.Int("messages_each", cfg.messages))
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < cfg.groups; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := runGroup(ctx, cfg, n, logger); err != nil {
				failures.Add(1)
				logger.Warn("group failed", zap.Int("group", n), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	logger.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", sent.Load()),
		zap.Int64("received", received.Load()),
		zap.Int64("failed_groups", failures.Load()))
}

func runGroup(ctx context.Context, cfg config, n int, logger *zap.Logger) error {
	creator, err := authenticate(ctx, cfg.baseURL, fmt.Sprintf("lt%dc", n))
	if err != nil {
		return err
	}
	var grp domain.Group
	body := map[string]any{"name": fmt.Sprintf("load %d", n), "max_members": cfg.members + 1, "public": true}
	if err := call(ctx, http.MethodPost, cfg.baseURL+"/api/groups", creator.token, body, &grp); err != nil {
		return fmt.Errorf("create group: %w", err)
	}

	participants := []account{creator}
	for i := 0; i < cfg.members; i++ {
		acc, err := authenticate(ctx, cfg.baseURL, fmt.Sprintf("lt%dm%d", n, i))
		if err != nil {
			return err
		}
		url := fmt.Sprintf("%s/api/groups/%d/join", cfg.baseURL, grp.ID)
		if err := call(ctx, http.MethodPost, url, acc.token, map[string]string{}, nil); err != nil {
			return fmt.Errorf("join as %s: %w", acc.name, err)
		}
		participants = append(participants, acc)
	}

	expected := len(participants) * cfg.messages
	var wg sync.WaitGroup
	errs := make(chan error, len(participants))
	for _, acc := range participants {
		wg.Add(1)
		go func(acc account) {
			defer wg.Done()
			errs <- chat(ctx, cfg, grp.ID, acc, expected, logger)
		}(acc)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func chat(ctx context.Context, cfg config, groupID int64, acc account, expected int, logger *zap.Logger) error {
	m := wsclient.New(wsclient.Config{
		URL:   "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/ws",
		Token: func() (string, bool) { return acc.token, true },
	}, logger.Named(acc.name))
	defer m.Close()

	joined := m.On(event.TypeRoomJoined)
	defer joined.Close()
	messages := m.On(event.TypeNewMessage)
	defer messages.Close()

	if err := m.Emit(event.TypeJoinGroup, event.JoinGroup{GroupID: groupID}); err != nil {
		return err
	}
	select {
	case <-joined.C:
	case <-ctx.Done():
		return fmt.Errorf("%s: room join: %w", acc.name, ctx.Err())
	}

	for i := 0; i < cfg.messages; i++ {
		content := fmt.Sprintf("msg %d from %s", i, acc.name)
		if err := m.Emit(event.TypeSendMessage, event.SendMessage{GroupID: groupID, Content: content}); err != nil {
			return err
		}
		sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	for got := 0; got < expected; got++ {
		select {
		case <-messages.C:
			received.Add(1)
		case <-ctx.Done():
			return fmt.Errorf("%s: received %d of %d: %w", acc.name, got, expected, ctx.Err())
		}
	}
	return nil
}

// authenticate registers (ignoring an existing account) and logs in.
func authenticate(ctx context.Context, baseURL, username string) (account, error) {
	creds := map[string]string{"username": username, "password": "password123"}
	_ = call(ctx, http.MethodPost, baseURL+"/register", "", creds, nil)

	var res struct {
		Token string `json:"access_token"`
		ID    int64  `json:"id"`
	}
	if err := call(ctx, http.MethodPost, baseURL+"/login", "", creds, &res); err != nil {
		return account{}, fmt.Errorf("login %s: %w", username, err)
	}
	return account{token: res.Token, id: res.ID, name: username}, nil
}

func call(ctx context.Context, method, url, token string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if !lo.Contains([]int{http.StatusOK, http.StatusCreated}, resp.StatusCode) {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
