package admin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/jobfarm/pkg/types"
)

type command struct {
	name  string
	usage string
	help  string
	run   func(s *session, arg string)
}

var commands []command

func init() {
	commands = []command{
		{"HELP", "HELP", "Show this help message.", cmdHelp},
		{"SHOW_CLIENTS", "SHOW_CLIENTS", "List all currently registered clients.", cmdShowClients},
		{"SHOW_QUEUE", "SHOW_QUEUE", "Display jobs and the upload/download queues.", cmdShowQueue},
		{"KICK_CLIENT", "KICK_CLIENT <client_id>", "Evict a client from the registry.", cmdKick},
		{"SET_MAX_UPLOADS", "SET_MAX_UPLOADS <n>", "Set the maximum number of simultaneous uploads.", cmdSetUploads},
		{"SET_MAX_DOWNLOADS", "SET_MAX_DOWNLOADS <n>", "Set the maximum number of simultaneous downloads.", cmdSetDownloads},
		{"SHOW_LOGS", "SHOW_LOGS", "Stream server logs in real time.", cmdShowLogs},
		{"STOP_LOGS", "STOP_LOGS", "Stop streaming server logs.", cmdStopLogs},
		{"EXIT", "EXIT", "Close the admin session.", cmdExit},
	}
}

// lookup 不分大小寫
func lookup(name string) (command, bool) {
	for _, c := range commands {
		if strings.EqualFold(c.name, name) {
			return c, true
		}
	}
	return command{}, false
}

func cmdHelp(s *session, _ string) {
	s.printf("Available commands:\n")
	for _, c := range commands {
		s.printf("  %s\n      %s\n\n", c.usage, c.help)
	}
}

func cmdShowClients(s *session, _ string) {
	clients := s.console.clients.Snapshot()
	if len(clients) == 0 {
		s.printf("No registered clients.\n")
		return
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].JoinedAt.Before(clients[j].JoinedAt) })

	now := time.Now()
	tw := tabwriter.NewWriter(s.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tADDRESS\tLAST SEEN\tCONNECTED")
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s ago\t%s\n", c.ID, c.Addr,
			now.Sub(c.LastSeen).Truncate(time.Second), now.Sub(c.JoinedAt).Truncate(time.Second))
	}
	tw.Flush()
	s.printf("%d client(s)\n", len(clients))
}

func cmdShowQueue(s *session, _ string) {
	jobs := s.console.jobs.Snapshot()
	s.printf("Jobs (%d):\n", len(jobs))
	if len(jobs) > 0 {
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].SubmittedAt.Before(jobs[j].SubmittedAt) })
		tw := tabwriter.NewWriter(s.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  JOB\tSTATE\tFILES\tCOMMAND")
		for _, j := range jobs {
			fmt.Fprintf(tw, "  %s\t%s\t%d/%d\t%s\n", j.Key, j.State, j.Received, j.FileCount, j.Command)
		}
		tw.Flush()
	}

	stats := s.console.uploads.Stats()
	tickets := s.console.uploads.Snapshot()
	s.printf("Uploads (in flight %d, queued %d, limit %d):\n", stats.InFlight, stats.Queued, stats.Limit)
	if len(tickets) > 0 {
		tw := tabwriter.NewWriter(s.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  JOB\tFILE\tSIZE\tWAITING\tPRIORITY")
		for _, t := range tickets {
			state := strconv.FormatFloat(t.Priority, 'g', 4, 64)
			if t.Active {
				state = "active"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\t%s\n", t.Job, t.Filename, t.Size, t.Waiting.Truncate(time.Millisecond), state)
		}
		tw.Flush()
	}

	downloads := s.console.downloads.Snapshot()
	s.printf("Downloads (queued %d, limit %d):\n", len(downloads), s.console.downloads.Limit())
	if len(downloads) > 0 {
		tw := tabwriter.NewWriter(s.w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  JOB\tFILE\tSIZE")
		for _, t := range downloads {
			fmt.Fprintf(tw, "  %s\t%s\t%d\n", t.Job, t.Filename, t.Size)
		}
		tw.Flush()
	}
}

func cmdKick(s *session, arg string) {
	if arg == "" {
		s.printf("Usage: KICK_CLIENT <client_id>\n")
		return
	}
	id, err := types.ParseClientID(arg)
	if err != nil {
		s.printf("Invalid client id %q.\n", arg)
		return
	}
	if !s.console.clients.Remove(id) {
		s.printf("Client %s not found.\n", id)
		return
	}
	s.console.metrics.RecordClientsEvicted(1)
	s.console.log.Info("client kicked by admin", zap.Stringer("client", id))
	s.printf("Kicked client %s.\n", id)
}

func cmdSetUploads(s *session, arg string) {
	setLimit(s, "SET_MAX_UPLOADS", "uploads", arg, s.console.uploads.SetLimit)
}

func cmdSetDownloads(s *session, arg string) {
	setLimit(s, "SET_MAX_DOWNLOADS", "downloads", arg, s.console.downloads.SetLimit)
}

func setLimit(s *session, name, what, arg string, set func(int) error) {
	if arg == "" {
		s.printf("Usage: %s <n>\n", name)
		return
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 {
		s.printf("Invalid value %q: must be a positive integer.\n", arg)
		return
	}
	if err := set(n); err != nil {
		s.printf("Failed to set max %s: %v\n", what, err)
		return
	}
	s.printf("Set max %s to %d.\n", what, n)
}

func cmdShowLogs(s *session, _ string) {
	if err := s.startLogs(); err != nil {
		s.printf("Log stream unavailable: %v\n", err)
		return
	}
	s.printf("[Streaming logs]\n")
}

func cmdStopLogs(s *session, _ string) {
	s.stopLogs()
	s.printf("[Log streaming stopped]\n")
}

func cmdExit(s *session, _ string) {
	s.printf("Goodbye.\n")
	s.done = true
}
