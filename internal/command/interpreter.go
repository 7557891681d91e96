package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/store"
)

// Prefix is the fixed, case-insensitive token every command must start with.
const Prefix = "!systrack"

// Reply is a formatted answer to an inbound chat command. Chart carries an
// optional PNG attachment.
type Reply struct {
	Text  string
	Chart []byte
}

// QueueInspector exposes the queue counts used by the health command.
type QueueInspector interface {
	GetCounts(ctx context.Context, queueName string) (queue.Counts, error)
}

// Interpreter parses the textual command language and formats replies. It is
// stateless; every invocation reads fresh data.
type Interpreter struct {
	store      *store.Store
	queues     QueueInspector
	queueNames []string
	logger     *slog.Logger
}

// NewInterpreter wires the interpreter's read-only collaborators.
func NewInterpreter(st *store.Store, queues QueueInspector, queueNames []string, logger *slog.Logger) *Interpreter {
	return &Interpreter{
		store:      st,
		queues:     queues,
		queueNames: queueNames,
		logger:     logger.With("component", "command"),
	}
}

// Execute answers one raw inbound message. Malformed input is always
// answered with guidance text, never an error.
func (i *Interpreter) Execute(ctx context.Context, text string) Reply {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.EqualFold(fields[0], Prefix) {
		return Reply{Text: fmt.Sprintf("Hi! I track your hosted services. Say `%s help` to see what I can do.", Prefix)}
	}
	if len(fields) == 1 {
		return i.helpReply()
	}

	keyword := strings.ToLower(fields[1])
	arg := strings.Join(fields[2:], " ")

	switch keyword {
	case "help", "commands":
		return i.helpReply()
	case "health":
		return i.healthReply(ctx)
	case "status":
		return i.statusReply(ctx)
	case "services":
		return i.servicesReply(ctx)
	case "service":
		return i.serviceDetailReply(ctx, arg)
	case "service-status":
		return i.serviceStatusReply(ctx, arg)
	case "logs":
		return i.logsReply(ctx, arg)
	default:
		return Reply{Text: fmt.Sprintf("Unknown command %q. Say `%s help` for the command list.", keyword, Prefix)}
	}
}

func (i *Interpreter) helpReply() Reply {
	lines := []string{
		"Available commands:",
		Prefix + " health — system health and queue depths",
		Prefix + " status — latest usage overview of all services",
		Prefix + " services — list tracked services",
		Prefix + " service <id|name> — service details",
		Prefix + " service-status <id|name> — latest usage with chart",
		Prefix + " logs <id|name> — recent usage history",
		Prefix + " help — this message",
	}
	return Reply{Text: strings.Join(lines, "\n")}
}

func (i *Interpreter) healthReply(ctx context.Context) Reply {
	var sb strings.Builder
	sb.WriteString("systrack health\n")
	if err := i.store.Ping(ctx); err != nil {
		sb.WriteString("database: unreachable\n")
	} else {
		sb.WriteString("database: ok\n")
	}
	for _, name := range i.queueNames {
		counts, err := i.queues.GetCounts(ctx, name)
		if err != nil {
			sb.WriteString(fmt.Sprintf("queue %s: unavailable\n", name))
			continue
		}
		sb.WriteString(fmt.Sprintf("queue %s: waiting=%d delayed=%d active=%d failed=%d\n",
			name, counts.Waiting, counts.Delayed, counts.Active, counts.Failed))
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

func (i *Interpreter) statusReply(ctx context.Context) Reply {
	targets, err := i.store.ListTargets(ctx, "id")
	if err != nil {
		i.logger.Error("status overview failed", "error", err)
		return Reply{Text: "Could not load the service list right now."}
	}
	if len(targets) == 0 {
		return Reply{Text: "No services are tracked yet."}
	}
	var sb strings.Builder
	sb.WriteString("Service status overview:\n")
	for _, t := range targets {
		line := fmt.Sprintf("#%d %s (%s)", t.ID, t.Name, t.Kind)
		if !t.Active {
			sb.WriteString(line + " — inactive\n")
			continue
		}
		latest, err := i.store.LatestUsageRecord(ctx, t.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				sb.WriteString(line + " — no usage data\n")
			} else {
				sb.WriteString(line + " — usage unavailable\n")
			}
			continue
		}
		sb.WriteString(fmt.Sprintf("%s — disk %s MB used, %s MB free (as of %s)\n",
			line, humanize.Commaf(latest.DiskUsageMB), humanize.Commaf(latest.AvailableSpaceMB),
			latest.ObservedAt.Format("2006-01-02 15:04")))
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

func (i *Interpreter) servicesReply(ctx context.Context) Reply {
	targets, err := i.store.ListTargets(ctx, "id")
	if err != nil {
		i.logger.Error("list services failed", "error", err)
		return Reply{Text: "Could not load the service list right now."}
	}
	if len(targets) == 0 {
		return Reply{Text: "No services are tracked yet."}
	}
	var sb strings.Builder
	sb.WriteString("Tracked services:\n")
	for _, t := range targets {
		state := "active"
		if !t.Active {
			state = "inactive"
		}
		sb.WriteString(fmt.Sprintf("#%d %s — %s, %s\n", t.ID, t.Name, t.Kind, state))
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

func (i *Interpreter) serviceDetailReply(ctx context.Context, arg string) Reply {
	target, reply := i.resolveTarget(ctx, arg)
	if reply != nil {
		return *reply
	}
	state := "active"
	if !target.Active {
		state = "inactive"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Service #%d %s\nkind: %s\nstate: %s\n", target.ID, target.Name, target.Kind, state))
	if target.Kind == store.KindSharedHosting {
		count, err := i.store.CountUsageRecords(ctx, target.ID)
		if err == nil {
			sb.WriteString(fmt.Sprintf("usage observations: %d\n", count))
		}
	}
	sb.WriteString("tracked since: " + target.CreatedAt.Format("2006-01-02"))
	return Reply{Text: sb.String()}
}

func (i *Interpreter) serviceStatusReply(ctx context.Context, arg string) Reply {
	target, reply := i.resolveTarget(ctx, arg)
	if reply != nil {
		return *reply
	}
	records, err := i.store.ListUsageRecords(ctx, target.ID, 30)
	if err != nil {
		i.logger.Error("load usage for chart failed", "target_id", target.ID, "error", err)
		return Reply{Text: "Could not load usage data right now."}
	}
	if len(records) == 0 {
		return Reply{Text: fmt.Sprintf("No usage data recorded for %s yet.", target.Name)}
	}
	latest := records[0]
	text := fmt.Sprintf("%s usage as of %s:\ndisk used: %s MB\ndisk free: %s MB\nfiles: %s\ninodes free: %s",
		target.Name, latest.ObservedAt.Format("2006-01-02 15:04"),
		humanize.Commaf(latest.DiskUsageMB), humanize.Commaf(latest.AvailableSpaceMB),
		humanize.Comma(latest.FileCount), humanize.Comma(latest.AvailableInodes))

	chart, err := renderUsageChart(records)
	if err != nil {
		i.logger.Warn("render usage chart failed", "target_id", target.ID, "error", err)
		return Reply{Text: text}
	}
	return Reply{Text: text, Chart: chart}
}

func (i *Interpreter) logsReply(ctx context.Context, arg string) Reply {
	target, reply := i.resolveTarget(ctx, arg)
	if reply != nil {
		return *reply
	}
	records, err := i.store.ListUsageRecords(ctx, target.ID, 10)
	if err != nil {
		i.logger.Error("load usage logs failed", "target_id", target.ID, "error", err)
		return Reply{Text: "Could not load usage history right now."}
	}
	if len(records) == 0 {
		return Reply{Text: fmt.Sprintf("No usage history recorded for %s yet.", target.Name)}
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Last %d observations for %s:\n", len(records), target.Name))
	for _, rec := range records {
		sb.WriteString(fmt.Sprintf("%s — disk %s MB, files %s\n",
			rec.ObservedAt.Format("2006-01-02 15:04"),
			humanize.Commaf(rec.DiskUsageMB), humanize.Comma(rec.FileCount)))
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}
}

// resolveTarget turns an identifier argument into a target. Integer
// arguments look up by id; anything else takes the first substring name
// match. "Not found" is a normal reply, never an error.
func (i *Interpreter) resolveTarget(ctx context.Context, arg string) (store.Target, *Reply) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return store.Target{}, &Reply{Text: "Please tell me which service, e.g. `" + Prefix + " service 3` or a name."}
	}

	var (
		target store.Target
		err    error
	)
	if id, convErr := strconv.ParseInt(arg, 10, 64); convErr == nil {
		target, err = i.store.GetTarget(ctx, id)
		if err == nil && target.DeletedAt != nil {
			err = store.ErrNotFound
		}
	} else {
		target, err = i.store.FindTargetByName(ctx, arg)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Target{}, &Reply{Text: fmt.Sprintf("No service matching %q.", arg)}
		}
		i.logger.Error("resolve target failed", "arg", arg, "error", err)
		return store.Target{}, &Reply{Text: "Could not look that service up right now."}
	}
	return target, nil
}
