package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/lockwarden/internal/models"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the activity log",
	RunE:  runLog,
}

var (
	logSince  int64
	logLimit  int
	logFollow bool
)

func init() {
	logCmd.Flags().Int64Var(&logSince, "since", 0, "Only entries after this activity ID")
	logCmd.Flags().IntVar(&logLimit, "limit", 50, "Maximum entries to show")
	logCmd.Flags().BoolVarP(&logFollow, "follow", "f", false, "Stream new entries as they happen")
}

func runLog(cmd *cobra.Command, args []string) error {
	var entries []models.ActivityEntry
	path := fmt.Sprintf("/activity?since=%d&limit=%d", logSince, logLimit)
	if err := apiGet(path, &entries); err != nil {
		return err
	}
	if !logFollow {
		return render(entries, func(w *tabwriter.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No activity")
				return
			}
			fmt.Fprintln(w, "ID\tTIME\tAGENT\tACTION\tSTATUS\tRESOURCE\tMESSAGE")
			for _, e := range entries {
				writeEntry(w, e)
			}
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		emitEntry(w, e)
	}
	return followActivity(ctx, apiAddr, func(e models.ActivityEntry) {
		emitEntry(w, e)
	})
}

func writeEntry(w io.Writer, e models.ActivityEntry) {
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
		e.ID, e.Timestamp.Local().Format(time.TimeOnly), orDash(e.AgentID), e.Action, e.Status, orDash(e.Resource), e.Message)
}

// emitEntry prints one streamed entry in the selected output format.
func emitEntry(w *tabwriter.Writer, e models.ActivityEntry) {
	if outputFormat == "json" {
		line, _ := json.Marshal(e)
		fmt.Println(string(line))
		return
	}
	writeEntry(w, e)
	w.Flush()
}

// followActivity streams activity entries from the daemon's WebSocket
// until ctx is cancelled or the connection drops.
func followActivity(ctx context.Context, base string, fn func(models.ActivityEntry)) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = "topic=activity"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var ev struct {
			Type    string               `json:"type"`
			Payload models.ActivityEntry `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		fn(ev.Payload)
	}
}
