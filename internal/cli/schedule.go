package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meridianhealth/jobkit/internal/database"
	"github.com/meridianhealth/jobkit/internal/kv"
	"github.com/meridianhealth/jobkit/internal/queue"
	"github.com/meridianhealth/jobkit/internal/scheduler"
)

var (
	scheduleCron     string
	scheduleTimezone string
	scheduleQueue    string
	scheduleJob      string
	scheduleData     string
	scheduleDisabled bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage persisted cron schedules",
	Long: `Manage the cron schedules the worker polls.

Examples:
  jobkit schedule list
  jobkit schedule create nightly-sync --cron "0 2 * * *" --queue sync --job patient-sync
  jobkit schedule disable nightly-sync
  jobkit schedule run nightly-sync`,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	RunE:  runScheduleList,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a schedule",
	Long: `Create a new cron schedule.

The cron expression is validated against the timezone before the
schedule is persisted; invalid expressions are rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runScheduleCreate,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], true)
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(args[0], false)
	},
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleDelete,
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Fire a schedule immediately",
	Long:  `Enqueue a schedule's job now, bypassing the due check. Counters and next_run advance as if the scheduler fired it.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRun,
}

func init() {
	scheduleCreateCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleTimezone, "tz", "UTC", "IANA timezone")
	scheduleCreateCmd.Flags().StringVar(&scheduleQueue, "queue", "default", "Target queue name")
	scheduleCreateCmd.Flags().StringVar(&scheduleJob, "job", "", "Job name to enqueue (required)")
	scheduleCreateCmd.Flags().StringVar(&scheduleData, "data", "{}", "Job payload as JSON")
	scheduleCreateCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "Create the schedule disabled")
	_ = scheduleCreateCmd.MarkFlagRequired("cron")
	_ = scheduleCreateCmd.MarkFlagRequired("job")

	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleEnableCmd)
	scheduleCmd.AddCommand(scheduleDisableCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)

	rootCmd.AddCommand(scheduleCmd)
}

func scheduleStore() (*scheduler.Store, func(), error) {
	db, err := openDatabase()
	if err != nil {
		return nil, nil, err
	}
	return scheduler.NewStore(db), func() { db.Close() }, nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	store, closeDB, err := scheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	schedules, err := store.List(context.Background())
	if err != nil {
		return err
	}

	if len(schedules) == 0 {
		fmt.Println("No schedules.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tTZ\tQUEUE\tJOB\tENABLED\tNEXT RUN\tRUNS\tFAILURES")
	for _, s := range schedules {
		nextRun := "-"
		if s.NextRun != nil {
			nextRun = s.NextRun.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\t%d\t%d\n",
			s.Name, s.CronExpression, s.Timezone, s.QueueName, s.JobName,
			s.Enabled, nextRun, s.RunCount, s.FailureCount)
	}
	return w.Flush()
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	store, closeDB, err := scheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	var jobData map[string]any
	if err := json.Unmarshal([]byte(scheduleData), &jobData); err != nil {
		return fmt.Errorf("parsing --data: %w", err)
	}

	schedule := &scheduler.Schedule{
		Name:           args[0],
		CronExpression: scheduleCron,
		Timezone:       scheduleTimezone,
		QueueName:      scheduleQueue,
		JobName:        scheduleJob,
		JobData:        jobData,
		Enabled:        !scheduleDisabled,
	}

	if err := store.Create(context.Background(), schedule); err != nil {
		return err
	}

	fmt.Printf("Created schedule %s (%s)\n", schedule.Name, schedule.ID)
	if schedule.NextRun != nil {
		fmt.Printf("Next run: %s\n", schedule.NextRun.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func setScheduleEnabled(name string, enabled bool) error {
	store, closeDB, err := scheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	schedule, err := findScheduleByName(store, name)
	if err != nil {
		return err
	}

	if err := store.SetEnabled(context.Background(), schedule.ID, enabled); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Printf("Schedule %s %s\n", name, state)
	return nil
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	store, closeDB, err := scheduleStore()
	if err != nil {
		return err
	}
	defer closeDB()

	schedule, err := findScheduleByName(store, args[0])
	if err != nil {
		return err
	}

	if err := store.Delete(context.Background(), schedule.ID); err != nil {
		return err
	}

	fmt.Printf("Deleted schedule %s\n", args[0])
	return nil
}

func runScheduleRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigOrDefaults()
	if err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	rdb, err := kv.Open(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer rdb.Close()

	queues := queue.NewRegistry()
	for _, name := range cfg.Queue.Names {
		queues.Register(queue.NewRedisQueue(name, rdb, &cfg.Queue))
	}

	sched := scheduler.New(db, queues, nil, cfg.Scheduler)
	schedule, err := findScheduleByName(sched.Store(), args[0])
	if err != nil {
		return err
	}

	if err := sched.ExecuteNow(ctx, schedule.ID); err != nil {
		return err
	}

	fmt.Printf("Fired schedule %s\n", args[0])
	return nil
}

func findScheduleByName(store *scheduler.Store, name string) (*scheduler.Schedule, error) {
	schedules, err := store.List(context.Background())
	if err != nil {
		return nil, err
	}
	for _, s := range schedules {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("schedule %q not found", name)
}
