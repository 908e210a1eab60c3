package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/zhouzirui/ask-anything/backend/internal/config"
	"github.com/zhouzirui/ask-anything/backend/internal/model/chat"
)

// writeMu serializes writes to the connection.
var writeMu sync.Mutex

type frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] failed to load .env, using system environment: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	server := flag.String("server", defaultServer(cfg.Server.Addr), "base URL of the session service")
	session := flag.String("session", "", "existing session id; a new session is created when empty")
	timeout := flag.Duration("timeout", 10*time.Second, "timeout for creating the session")
	flag.Parse()

	base, err := url.Parse(*server)
	if err != nil {
		log.Fatalf("invalid -server: %v", err)
	}

	sessionID := *session
	if sessionID == "" {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		sessionID, err = createSession(ctx, base)
		cancel()
		if err != nil {
			log.Fatalf("create session: %v", err)
		}
		log.Printf("created session %s", sessionID)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base, sessionID), nil)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go readFrames(conn, done)
	go sendLines(conn)

	select {
	case <-done:
	case <-interrupt:
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

func defaultServer(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func createSession(ctx context.Context, base *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("api", "session").String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	var info chat.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return info.ID, nil
}

func wsURL(base *url.URL, sessionID string) string {
	u := *base.JoinPath("api", "ws", sessionID)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

func readFrames(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	seen := 0
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			log.Printf("connection closed: %v", err)
			return
		}

		switch f.Type {
		case "snapshot":
			var snap chat.Session
			if err := json.Unmarshal(f.Data, &snap); err != nil {
				log.Printf("bad snapshot: %v", err)
				continue
			}
			for _, msg := range snap.Messages[min(seen, len(snap.Messages)):] {
				fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format(time.Kitchen), msg.Origin, msg.Text)
			}
			seen = len(snap.Messages)
			if snap.Busy {
				fmt.Println("... waiting for assistant")
			}
		case "error":
			fmt.Printf("error: %s\n", string(f.Data))
		case "closed":
			fmt.Println("session closed by server")
			return
		}
	}
}

func sendLines(conn *websocket.Conn) {
	fmt.Println("Ask me anything... (Ctrl+C to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		data, _ := json.Marshal(map[string]string{"text": scanner.Text()})
		msg := map[string]any{"type": "text", "data": json.RawMessage(data), "timestamp": time.Now().Unix()}
		writeMu.Lock()
		err := conn.WriteJSON(msg)
		writeMu.Unlock()
		if err != nil {
			log.Printf("send failed: %v", err)
			return
		}
	}
}
