package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/midrender/midrender/pkg/client"
	"github.com/midrender/midrender/pkg/types"
	"github.com/spf13/cobra"
)

func localEndpoint() (string, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	return types.JoinEndpoint("127.0.0.1", cfg.HTTPPort), nil
}

// resolveLeader finds the node holding global state. The local daemon
// is asked first; if it follows, its peer table names the leader.
func resolveLeader(c *client.Client) (string, error) {
	local, err := localEndpoint()
	if err != nil {
		return "", err
	}
	status, err := c.Status(local)
	if err != nil {
		return "", fmt.Errorf("daemon not reachable on %s (is 'midrender start' running?): %w", local, err)
	}
	if status.IsLeader {
		return local, nil
	}

	peers, err := c.Peers(local)
	if err != nil {
		return "", err
	}
	for _, p := range peers {
		if p.IsLeader && p.IsAlive {
			return types.JoinEndpoint(p.IP, p.HTTPPort), nil
		}
	}
	return "", fmt.Errorf("no leader elected yet, try again shortly")
}

var submitCmd = &cobra.Command{
	Use:   "submit MANIFEST.json",
	Short: "Submit a render job from a manifest file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var manifest types.Manifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}
		if err := manifest.Validate(); err != nil {
			return err
		}
		if manifest.SubmittedAtMS == 0 {
			manifest.SubmittedAtMS = time.Now().UnixMilli()
		}
		if manifest.SubmittedBy == "" {
			host, _ := os.Hostname()
			manifest.SubmittedBy = host
		}
		priority, _ := cmd.Flags().GetInt("priority")

		c := client.New()
		leader, err := resolveLeader(c)
		if err != nil {
			return err
		}
		if err := c.SubmitJob(leader, &types.SubmitRequest{Manifest: manifest, Priority: priority}); err != nil {
			return err
		}
		fmt.Printf("✓ Job %s submitted (frames %d-%d)\n", manifest.JobID, manifest.FrameStart, manifest.FrameEnd)
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage render jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New()
		leader, err := resolveLeader(c)
		if err != nil {
			return err
		}
		jobs, err := c.ListJobs(leader)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATE\tPRIORITY\tFRAMES\tDONE\tCHUNKS (P/R/C/F)")
		for _, j := range jobs {
			total := j.FrameEnd - j.FrameStart + 1
			fmt.Fprintf(w, "%s\t%s\t%d\t%d-%d\t%d/%d\t%d/%d/%d/%d\n",
				j.JobID, j.State, j.Priority, j.FrameStart, j.FrameEnd,
				j.CompletedFrames, total,
				j.Chunks.Pending, j.Chunks.Rendering, j.Chunks.Completed, j.Chunks.Failed)
		}
		return w.Flush()
	},
}

var jobShowCmd = &cobra.Command{
	Use:   "show JOB",
	Short: "Show a job and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New()
		leader, err := resolveLeader(c)
		if err != nil {
			return err
		}
		detail, err := c.GetJob(leader, args[0])
		if err != nil {
			return err
		}

		j := detail.Job
		fmt.Printf("Job:       %s\n", j.JobID)
		fmt.Printf("State:     %s\n", j.State)
		fmt.Printf("Priority:  %d\n", j.Priority)
		fmt.Printf("Frames:    %d-%d (chunks of %d)\n",
			j.Manifest.FrameStart, j.Manifest.FrameEnd, j.Manifest.ChunkSize)
		fmt.Printf("Submitted: %s by %s\n",
			time.UnixMilli(j.SubmittedAtMS).Format(time.RFC3339), j.Manifest.SubmittedBy)
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FRAMES\tSTATE\tASSIGNED TO\tRETRIES\tDONE")
		for _, ch := range detail.Chunks {
			fmt.Fprintf(w, "%d-%d\t%s\t%s\t%d\t%d\n",
				ch.FrameStart, ch.FrameEnd, ch.State, ch.AssignedTo,
				ch.RetryCount, len(ch.CompletedFrames))
		}
		return w.Flush()
	},
}

func jobActionCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " JOB",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New()
			leader, err := resolveLeader(c)
			if err != nil {
				return err
			}
			if err := c.JobControl(leader, args[0], action); err != nil {
				return err
			}
			fmt.Printf("✓ %s: %s\n", args[0], action)
			return nil
		},
	}
}

var jobDeleteCmd = &cobra.Command{
	Use:   "delete JOB",
	Short: "Delete a job and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New()
		leader, err := resolveLeader(c)
		if err != nil {
			return err
		}
		if err := c.DeleteJob(leader, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ %s: deleted\n", args[0])
		return nil
	},
}

func init() {
	submitCmd.Flags().Int("priority", 0, "Job priority (lower runs first)")

	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobShowCmd)
	jobCmd.AddCommand(jobActionCommand("pause", "Pause dispatch of a job"))
	jobCmd.AddCommand(jobActionCommand("resume", "Resume a paused job"))
	jobCmd.AddCommand(jobActionCommand("cancel", "Cancel a job"))
	jobCmd.AddCommand(jobActionCommand("archive", "Archive a finished job"))
	jobCmd.AddCommand(jobActionCommand("retry-failed", "Requeue a job's failed chunks"))
	jobCmd.AddCommand(jobActionCommand("resubmit", "Clone a job under a new versioned ID"))
	jobCmd.AddCommand(jobDeleteCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known farm nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := localEndpoint()
		if err != nil {
			return err
		}
		c := client.New()
		self, err := c.Status(local)
		if err != nil {
			return fmt.Errorf("daemon not reachable on %s: %w", local, err)
		}
		peers, err := c.Peers(local)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tHOST\tENDPOINT\tSTATE\tRENDER\tLEADER\tALIVE")
		printPeer(w, self, true)
		for _, p := range peers {
			printPeer(w, p, false)
		}
		return w.Flush()
	},
}

func printPeer(w *tabwriter.Writer, p *types.PeerInfo, self bool) {
	name := p.NodeID
	if self {
		name += " (self)"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\t%v\n",
		name, p.Hostname, types.JoinEndpoint(p.IP, p.HTTPPort),
		p.NodeState, p.RenderState, p.IsLeader, p.IsAlive)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local daemon's status",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := localEndpoint()
		if err != nil {
			return err
		}
		c := client.New()
		info, err := c.Status(local)
		if err != nil {
			return fmt.Errorf("daemon not reachable on %s: %w", local, err)
		}

		fmt.Printf("Node:     %s (%s)\n", info.NodeID, info.Hostname)
		fmt.Printf("Endpoint: %s\n", types.JoinEndpoint(info.IP, info.HTTPPort))
		fmt.Printf("Version:  %s (protocol %d)\n", info.AppVersion, info.ProtocolVersion)
		fmt.Printf("State:    %s, %s\n", info.NodeState, info.RenderState)
		fmt.Printf("Leader:   %v\n", info.IsLeader)
		if info.ActiveJob != "" {
			fmt.Printf("Active:   %s frames %s\n", info.ActiveJob, info.ActiveChunk)
		}
		return nil
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Control the local node",
}

var nodeStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop accepting render work",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := localEndpoint()
		if err != nil {
			return err
		}
		if err := client.New().NodeStop(local); err != nil {
			return err
		}
		fmt.Println("✓ Node stopped (current chunk will finish)")
		return nil
	},
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Resume accepting render work",
	RunE: func(cmd *cobra.Command, args []string) error {
		local, err := localEndpoint()
		if err != nil {
			return err
		}
		if err := client.New().NodeStart(local); err != nil {
			return err
		}
		fmt.Println("✓ Node active")
		return nil
	},
}

var nodeUnsuspendCmd = &cobra.Command{
	Use:   "unsuspend NODE",
	Short: "Clear a node's failure suspension on the leader",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New()
		leader, err := resolveLeader(c)
		if err != nil {
			return err
		}
		if err := c.UnsuspendNode(leader, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ %s unsuspended\n", args[0])
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeStopCmd)
	nodeCmd.AddCommand(nodeStartCmd)
	nodeCmd.AddCommand(nodeUnsuspendCmd)
}
