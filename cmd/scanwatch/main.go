// scanwatch - follow a docscan session from the terminal
// Prints session events from /ws/session and optionally saves the live
// preview from /ws/preview.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-docscan/pkg/session"
)

func main() {
	server := flag.String("server", "localhost:8080", "docscan host:port")
	preview := flag.String("preview", "", "Write the latest preview frame to this file")
	raw := flag.Bool("raw", false, "Print events as JSON")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	events, err := dial(*server, "/ws/session")
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer events.Close()

	if *preview != "" {
		frames, err := dial(*server, "/ws/preview")
		if err != nil {
			log.Fatalf("connect preview: %v", err)
		}
		defer frames.Close()
		go savePreview(frames, *preview)
	}

	go func() {
		<-ctx.Done()
		events.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		events.Close()
	}()

	if err := watch(events, os.Stdout, *raw); err != nil && ctx.Err() == nil {
		log.Fatalf("watch: %v", err)
	}
}

func dial(server, path string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: server, Path: path}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return conn, nil
}

// watch prints every event read from conn until it closes.
func watch(conn *websocket.Conn, w io.Writer, raw bool) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if raw {
			fmt.Fprintln(w, string(data))
			continue
		}
		var ev session.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			fmt.Fprintf(w, "undecodable event: %v\n", err)
			continue
		}
		fmt.Fprintln(w, formatEvent(ev))
	}
}

// formatEvent renders one line per event.
func formatEvent(ev session.Event) string {
	st := ev.State
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-6s mode=%s", ev.Time.Format("15:04:05.000"), ev.Type, st.Mode)
	if st.Busy != session.BusyNone {
		fmt.Fprintf(&b, " busy=%s", st.Busy)
	}
	if st.Phase != nil {
		fmt.Fprintf(&b, " phase=%s", st.Phase)
	}
	if st.Ready {
		b.WriteString(" ready")
	}
	if st.Artifact != nil {
		fmt.Fprintf(&b, " artifact=%s (%dx%d, %d bytes)", st.Artifact.Filename, st.Artifact.Width, st.Artifact.Height, st.Artifact.Bytes)
	}
	if st.Error != "" {
		fmt.Fprintf(&b, " error=%s: %q", st.ErrorKind, st.Error)
	}
	if st.Result != nil {
		fmt.Fprintf(&b, " result=%s status=%s", st.Result.Provider, st.Result.Status)
		if text := st.Result.Text(); text != "" {
			fmt.Fprintf(&b, " text=%q", firstLine(text))
		}
	}
	if st.Closed {
		b.WriteString(" closed")
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + "…"
	}
	return s
}

// savePreview atomically replaces path with each received frame.
func savePreview(conn *websocket.Conn, path string) {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			log.Printf("preview: %v", err)
			continue
		}
		if err := os.Rename(tmp, path); err != nil {
			log.Printf("preview: %v", err)
		}
	}
}
