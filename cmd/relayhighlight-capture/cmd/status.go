package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayhighlight/internal/capture"
)

type hostStatus struct {
	Host    string `json:"host"`
	Pending int    `json:"pending"`
}

type statusReport struct {
	State   string       `json:"state"`
	Error   string       `json:"error,omitempty"`
	Pending int          `json:"pending"`
	Hosts   []hostStatus `json:"hosts"`
}

func newStatusCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show link state and queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, opts, _, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			report := statusReport{}
			probeCtx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			if err := session.Probe(probeCtx); err != nil {
				report.Error = err.Error()
			}
			cancel()
			report.State = session.State().String()

			if report.Hosts, report.Pending, err = queueDepths(session.Queues()); err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

// queueDepths opens every persisted queue and reports its length.
func queueDepths(queues *capture.QueueSet) ([]hostStatus, int, error) {
	hosts, err := queues.Hosts()
	if err != nil {
		return nil, 0, err
	}
	out := make([]hostStatus, 0, len(hosts))
	total := 0
	for _, host := range hosts {
		q, err := queues.Queue(host)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, hostStatus{Host: host, Pending: q.Len()})
		total += q.Len()
	}
	return out, total, nil
}
