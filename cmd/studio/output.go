package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pocketomega/pocket-studio/internal/dispatch"
	"github.com/pocketomega/pocket-studio/internal/util"
	"github.com/pocketomega/pocket-studio/internal/workflow"
)

const previewRunes = 80

// eventPrinter returns an observer writing one line per progress event.
func eventPrinter(w io.Writer) dispatch.Observer {
	return func(ev dispatch.Event) {
		switch ev.Kind {
		case dispatch.EventStepStarted:
			fmt.Fprintf(w, "□ Step %d started\n", ev.Step)
		case dispatch.EventStepFinished:
			fmt.Fprintf(w, "□ Step %d %s\n", ev.Step, ev.Status)
		case dispatch.EventNodeStarted:
			fmt.Fprintf(w, "  ▶ %s (%s)\n", ev.NodeID, ev.Capability)
		case dispatch.EventNodeFinished:
			if ev.Result != nil {
				fmt.Fprintf(w, "  %s\n", resultLine(*ev.Result))
			}
		case dispatch.EventWarning:
			fmt.Fprintf(w, "⚠️  %s\n", ev.Message)
		}
	}
}

// resultLine renders one node result as a status line.
func resultLine(r workflow.NodeResult) string {
	switch {
	case r.Success:
		return fmt.Sprintf("✓ %s → %s", r.NodeID, describeOutput(r.Output))
	case r.Pending:
		line := fmt.Sprintf("⏳ %s pending: job %s", r.NodeID, r.ExternalID)
		if r.DashboardURL != "" {
			line += " (" + r.DashboardURL + ")"
		}
		return line
	default:
		return fmt.Sprintf("✗ %s [%s] %s", r.NodeID, r.ErrorKind, r.Error)
	}
}

func describeOutput(o *workflow.Output) string {
	if o == nil {
		return "(no output)"
	}
	switch o.Kind {
	case workflow.OutputText:
		text := strings.Join(strings.Fields(o.Text), " ")
		return fmt.Sprintf("text %q", util.TruncateRunes(text, previewRunes))
	case workflow.OutputImage, workflow.OutputImages:
		return "image " + strings.Join(o.Images(), ", ")
	case workflow.OutputAudio:
		return "audio " + o.AudioRef
	case workflow.OutputVideo:
		return "video " + o.VideoRef
	}
	return string(o.Kind)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
