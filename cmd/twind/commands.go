package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	chatFrom string
	chatTo   string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message to a twin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if chatFrom == "" || chatTo == "" {
			return fmt.Errorf("both --from and --to are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/chat", map[string]string{
			"sender_id":    chatFrom,
			"recipient_id": chatTo,
			"content":      args[0],
		})
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var reply struct {
			Reply     string `json:"reply"`
			Route     string `json:"route"`
			Degraded  bool   `json:"degraded"`
			Delivered int    `json:"delivered"`
		}
		if err := decodeJSON(resp, &reply); err != nil {
			printError("%v", err)
			return err
		}

		fmt.Println(reply.Reply)
		if reply.Route != "" {
			printStatus("Route", "%s", reply.Route)
		}
		if reply.Degraded {
			printWarning("reply was degraded (composer unavailable)")
		}
		if reply.Delivered > 0 {
			printStatus("Delivered", "%d pending item(s)", reply.Delivered)
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and trigger background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get("/v1/jobs/runs")
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var runs []struct {
			Kind      string    `json:"Kind"`
			LastRunAt time.Time `json:"LastRunAt"`
			LastError string    `json:"LastError"`
			Processed int       `json:"Processed"`
			Failed    int       `json:"Failed"`
		}
		if err := decodeJSON(resp, &runs); err != nil {
			printError("%v", err)
			return err
		}

		if len(runs) == 0 {
			fmt.Println("no job runs recorded yet")
			return nil
		}
		for _, run := range runs {
			status := fmt.Sprintf("last run %s, processed %d, failed %d",
				run.LastRunAt.Format(time.RFC3339), run.Processed, run.Failed)
			if run.LastError != "" {
				status += ", error: " + run.LastError
			}
			printStatus(run.Kind, "%s", status)
		}
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run [kind]",
	Short: "Trigger a background job immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/jobs/"+args[0]+"/run", nil)
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var stats struct {
			Processed int `json:"processed"`
			Failed    int `json:"failed"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			printError("%v", err)
			return err
		}

		printSuccess("job %s completed: processed %d, failed %d", args[0], stats.Processed, stats.Failed)
		return nil
	},
}

var (
	requestsOwner  string
	requestsStatus string
)

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List future-planning requests waiting on you",
	RunE: func(cmd *cobra.Command, args []string) error {
		if requestsOwner == "" {
			return fmt.Errorf("--owner is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/creator/%s/requests", requestsOwner)
		if requestsStatus != "" {
			path += "?status=" + requestsStatus
		}
		resp, err := client.get(path)
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var requests []struct {
			ID              string
			SenderID        string
			OriginalMessage string
			DetectedPlan    string
			DetectedTime    string
			Status          string
		}
		if err := decodeJSON(resp, &requests); err != nil {
			printError("%v", err)
			return err
		}

		if len(requests) == 0 {
			fmt.Println("no requests")
			return nil
		}
		for _, req := range requests {
			fmt.Printf("%s  [%s]  from %s\n", req.ID, req.Status, req.SenderID)
			printStatus("Plan", "%s", req.DetectedPlan)
			if req.DetectedTime != "" {
				printStatus("When", "%s", req.DetectedTime)
			}
			printStatus("Message", "%s", req.OriginalMessage)
		}
		return nil
	},
}

var requestsAnswerCmd = &cobra.Command{
	Use:   "answer [request-id] [response]",
	Short: "Answer a pending request; the twin delivers it on next contact",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/requests/"+args[0]+"/answer", map[string]string{
			"response": args[1],
		})
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var out struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			printError("%v", err)
			return err
		}

		printSuccess("request %s answered", args[0])
		return nil
	},
}

var threadsOwner string

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List open financial threads routed to you",
	RunE: func(cmd *cobra.Command, args []string) error {
		if threadsOwner == "" {
			return fmt.Errorf("--owner is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(fmt.Sprintf("/v1/creator/%s/threads", threadsOwner))
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var threads []struct {
			ID             string
			CounterpartID  string
			Status         string
			Summary        string
			LastActivityAt time.Time
		}
		if err := decodeJSON(resp, &threads); err != nil {
			printError("%v", err)
			return err
		}

		if len(threads) == 0 {
			fmt.Println("no threads")
			return nil
		}
		for _, th := range threads {
			fmt.Printf("%s  [%s]  with %s\n", th.ID, th.Status, th.CounterpartID)
			printStatus("Topic", "%s", th.Summary)
			printStatus("Last activity", "%s", th.LastActivityAt.Format(time.RFC3339))
		}
		return nil
	},
}

var threadsReplyCmd = &cobra.Command{
	Use:   "reply [counterpart-id] [message]",
	Short: "Reply on the open financial thread with a counterpart",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if threadsOwner == "" {
			return fmt.Errorf("--owner is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/creator/%s/threads/%s/reply", threadsOwner, args[0])
		resp, err := client.post(path, map[string]string{"content": args[1]})
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var out struct {
			ThreadID string `json:"thread_id"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			printError("%v", err)
			return err
		}

		printSuccess("reply queued on thread %s", out.ThreadID)
		return nil
	},
}

var threadsCloseCmd = &cobra.Command{
	Use:   "close [thread-id]",
	Short: "Close a financial thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post("/v1/threads/"+args[0]+"/close", nil)
		if err != nil {
			printError("request failed: %v", err)
			return err
		}

		var out struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			printError("%v", err)
			return err
		}

		printSuccess("thread %s closed", args[0])
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatFrom, "from", "", "sender user ID")
	chatCmd.Flags().StringVar(&chatTo, "to", "", "twin owner's user ID")

	jobsCmd.AddCommand(jobsRunCmd)

	requestsCmd.PersistentFlags().StringVar(&requestsOwner, "owner", "", "creator's user ID")
	requestsCmd.Flags().StringVar(&requestsStatus, "status", "", "filter by status (pending, answered, delivered)")
	requestsCmd.AddCommand(requestsAnswerCmd)

	threadsCmd.PersistentFlags().StringVar(&threadsOwner, "owner", "", "creator's user ID")
	threadsCmd.AddCommand(threadsReplyCmd)
	threadsCmd.AddCommand(threadsCloseCmd)
}
