// cmd/tools/workflow-admin/main.go
//
// Operational companion for the scheduler: create workflows by hand, approve
// and resume paused ones, inspect instances, surface and fail stuck runs,
// requeue dead-lettered publishes and revoke tenant credentials.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/common/config"
	"reviewflow/internal/common/database"
	"reviewflow/internal/common/logger"
	"reviewflow/internal/common/retry"
	"reviewflow/internal/credentials"
	"reviewflow/internal/models"
	"reviewflow/internal/store"
	"reviewflow/pkg/registry"
)

func main() {
	createCmd := flag.NewFlagSet("create", flag.ExitOnError)
	approveCmd := flag.NewFlagSet("approve", flag.ExitOnError)
	resumeCmd := flag.NewFlagSet("resume", flag.ExitOnError)
	inspectCmd := flag.NewFlagSet("inspect", flag.ExitOnError)
	stuckCmd := flag.NewFlagSet("stuck", flag.ExitOnError)
	failCmd := flag.NewFlagSet("force-fail", flag.ExitOnError)
	requeueCmd := flag.NewFlagSet("requeue", flag.ExitOnError)
	revokeCmd := flag.NewFlagSet("revoke-credential", flag.ExitOnError)

	workflowType := createCmd.String("type", "review_response", "Workflow type to create")
	createTenant := createCmd.String("tenant", "", "Tenant ID")
	createInput := createCmd.String("input", "{}", "Seed input as JSON")
	createPriority := createCmd.Int("priority", 0, "Scheduling priority (higher first)")

	approveResponse := approveCmd.String("response", "", "Response ID to approve")
	approvedBy := approveCmd.String("by", "", "Approver identity")

	resumeWorkflow := resumeCmd.String("workflow", "", "Workflow ID to resume")

	inspectWorkflow := inspectCmd.String("workflow", "", "Workflow ID to inspect")

	stuckOlderThan := stuckCmd.Duration("older-than", 10*time.Minute, "Minimum time since the last update")
	stuckLimit := stuckCmd.Int("limit", 50, "Maximum workflows to list")

	failWorkflow := failCmd.String("workflow", "", "Workflow ID to fail")
	failReason := failCmd.String("reason", "force-failed by operator", "Failure reason recorded on the workflow")

	requeueItem := requeueCmd.String("item", "", "Publish queue item ID to requeue")

	revokeTenant := revokeCmd.String("tenant", "", "Tenant ID")
	revokeProvider := revokeCmd.String("provider", "google", "Credential provider")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	log := logger.NewNoOpLogger()

	cfg, err := config.Load()
	if err != nil {
		fatal("config load failed: %v", err)
	}

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		fatal("postgres connection failed: %v", err)
	}
	defer pg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "create":
		createCmd.Parse(os.Args[2:])
		if *createTenant == "" {
			fmt.Println("Error: tenant is required for create.")
			createCmd.Usage()
			os.Exit(1)
		}

		var input map[string]interface{}
		if err := json.Unmarshal([]byte(*createInput), &input); err != nil {
			fatal("invalid input JSON: %v", err)
		}

		definitions, err := registry.Load(cfg.Registry.Path)
		if err != nil {
			fatal("workflow definitions load failed: %v", err)
		}
		def, found := findDefinition(definitions, *workflowType)
		if !found {
			fatal("unknown workflow type %q", *workflowType)
		}

		wf := &models.Workflow{
			ID:           uuid.NewString(),
			TenantID:     *createTenant,
			WorkflowType: models.WorkflowType(*workflowType),
			Status:       models.WorkflowStatusPending,
			Priority:     *createPriority,
			CurrentStep:  def.Steps[0],
			TotalSteps:   len(def.Steps),
			InputData:    input,
		}
		if err := store.NewWorkflowStore(pg.DB).Create(ctx, wf); err != nil {
			fatal("create workflow: %v", err)
		}
		fmt.Printf("Created workflow %s (%s)\n", wf.ID, *workflowType)

	case "approve":
		approveCmd.Parse(os.Args[2:])
		if *approveResponse == "" || *approvedBy == "" {
			fmt.Println("Error: response and by are required for approve.")
			approveCmd.Usage()
			os.Exit(1)
		}
		if err := store.NewResponseStore(pg.DB).MarkApproved(ctx, *approveResponse, approvedBy); err != nil {
			fatal("approve response: %v", err)
		}
		fmt.Printf("Approved response %s (by %s); resume its workflow to publish\n", *approveResponse, *approvedBy)

	case "resume":
		resumeCmd.Parse(os.Args[2:])
		if *resumeWorkflow == "" {
			fmt.Println("Error: workflow is required for resume.")
			resumeCmd.Usage()
			os.Exit(1)
		}
		if err := store.NewWorkflowStore(pg.DB).Resume(ctx, *resumeWorkflow); err != nil {
			fatal("resume workflow: %v", err)
		}
		fmt.Printf("Workflow %s resumed; the next scheduler cycle will pick it up\n", *resumeWorkflow)

	case "inspect":
		inspectCmd.Parse(os.Args[2:])
		if *inspectWorkflow == "" {
			fmt.Println("Error: workflow is required for inspect.")
			inspectCmd.Usage()
			os.Exit(1)
		}
		wf, err := store.NewWorkflowStore(pg.DB).Get(ctx, *inspectWorkflow)
		if err != nil {
			fatal("load workflow: %v", err)
		}
		out, _ := json.MarshalIndent(wf, "", "  ")
		fmt.Println(string(out))

	case "stuck":
		stuckCmd.Parse(os.Args[2:])
		cutoff := time.Now().Add(-*stuckOlderThan)
		workflows, err := store.NewWorkflowStore(pg.DB).ListStuck(ctx, cutoff, *stuckLimit)
		if err != nil {
			fatal("list stuck workflows: %v", err)
		}
		if len(workflows) == 0 {
			fmt.Printf("No running workflows older than %s\n", *stuckOlderThan)
			return
		}
		for _, wf := range workflows {
			fmt.Printf("%s  %-16s  tenant=%s  step=%s (%d/%d)  updated=%s\n",
				wf.ID, wf.WorkflowType, wf.TenantID, wf.CurrentStep,
				wf.CompletedSteps, wf.TotalSteps, wf.UpdatedAt.Format(time.RFC3339))
		}

	case "force-fail":
		failCmd.Parse(os.Args[2:])
		if *failWorkflow == "" {
			fmt.Println("Error: workflow is required for force-fail.")
			failCmd.Usage()
			os.Exit(1)
		}
		if err := store.NewWorkflowStore(pg.DB).MarkFailed(ctx, *failWorkflow, *failReason); err != nil {
			fatal("fail workflow: %v", err)
		}
		fmt.Printf("Workflow %s marked failed: %s\n", *failWorkflow, *failReason)

	case "requeue":
		requeueCmd.Parse(os.Args[2:])
		if *requeueItem == "" {
			fmt.Println("Error: item is required for requeue.")
			requeueCmd.Usage()
			os.Exit(1)
		}
		queueStore := store.NewQueueStore(pg.DB)
		item, err := queueStore.Get(ctx, *requeueItem)
		if err != nil {
			fatal("load queue item: %v", err)
		}
		if item.Status == models.QueueStatusPublished {
			fatal("queue item %s is already published", *requeueItem)
		}
		if err := queueStore.Reschedule(ctx, item.ID, 0, time.Now(), "requeued by operator"); err != nil {
			fatal("requeue queue item: %v", err)
		}
		fmt.Printf("Queue item %s requeued with a fresh attempt budget\n", item.ID)

	case "revoke-credential":
		revokeCmd.Parse(os.Args[2:])
		if *revokeTenant == "" {
			fmt.Println("Error: tenant is required for revoke-credential.")
			revokeCmd.Usage()
			os.Exit(1)
		}

		cipher, err := credentials.NewCipher(cfg.OAuth.EncryptionKey)
		if err != nil {
			fatal("credential cipher init failed: %v", err)
		}
		manager := credentials.NewManager(
			store.NewCredentialStore(pg.DB),
			store.NewQueueStore(pg.DB),
			credentials.NewOAuthClient(cfg.OAuth.Providers),
			cipher,
			retry.New(retry.Options{
				MaxRetries: cfg.Retry.MaxRetries,
				BaseDelay:  cfg.Retry.BaseDelay,
				MaxDelay:   cfg.Retry.MaxDelay,
			}, log),
			log,
		)
		if err := manager.Revoke(ctx, *revokeTenant, *revokeProvider); err != nil {
			fatal("revoke credential: %v", err)
		}
		fmt.Printf("Revoked %s credential for tenant %s\n", *revokeProvider, *revokeTenant)

	default:
		help()
		os.Exit(1)
	}
}

func findDefinition(file *registry.File, workflowType string) (registry.Workflow, bool) {
	for _, wf := range file.Workflows {
		if wf.Type == workflowType && len(wf.Steps) > 0 {
			return wf, true
		}
	}
	return registry.Workflow{}, false
}

func fatal(format string, args ...interface{}) {
	fmt.Printf("Error: "+format+"\n", args...)
	os.Exit(1)
}

func help() {
	fmt.Println(`Usage: workflow-admin <command> [flags]

Commands:
  create             Create a workflow (-type, -tenant, -input, -priority)
  approve            Approve a generated response (-response, -by)
  resume             Resume a waiting_approval workflow (-workflow)
  inspect            Print one workflow as JSON (-workflow)
  stuck              List running workflows with no recent progress (-older-than, -limit)
  force-fail         Mark a workflow failed (-workflow, -reason)
  requeue            Reset a dead-lettered queue item for another publish attempt (-item)
  revoke-credential  Revoke a tenant's platform credential (-tenant, -provider)`)
}
