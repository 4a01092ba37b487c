package taskcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"taskworker/cmd/cli/wire"
	"taskworker/internal/config"
	"taskworker/internal/exitcode"
	"taskworker/internal/models"
)

var Command = &cobra.Command{
	Use:   "task",
	Short: "Inspect and enqueue tasks",
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Adds a waiting task to the queue and wakes the workers of its type",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		flags := cmd.Flags()
		taskType, _ := flags.GetInt("type")
		params, _ := flags.GetString("params")
		creator, _ := flags.GetString("creator")
		dependency, _ := flags.GetInt64("depends-on")

		if _, err := models.ParseParams(params); err != nil {
			wire.Exit(exitcode.InvalidModuleParameters, err, "Invalid --params")
		}

		newTask := models.NewTask{
			Type:    taskType,
			Creator: null.NewString(creator, creator != ""),
			Params:  null.StringFrom(params),
		}
		if dependency > 0 {
			newTask.DependencyRef = null.IntFrom(dependency)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store := wire.MustStore(conf)
		defer wire.Close("task store", store)

		id, err := store.Enqueue(ctx, newTask)
		if err != nil {
			wire.Close("task store", store)
			wire.Exit(exitcode.GeneralError, err, "Could not enqueue task")
		}

		waker := wire.MustWaker(conf)
		defer wire.Close("wake up queue", waker)
		if err := waker.Notify(ctx, taskType); err != nil {
			log.Warn().Err(err).Msg("Could not notify workers")
		}

		log.Info().Int64("task_id", id).Int("task_type", taskType).Msg("Task enqueued")
		fmt.Println(id)
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Prints a task as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)

		var id int64
		if _, err := fmt.Sscan(args[0], &id); err != nil {
			wire.Exit(exitcode.InvalidTaskID, err, "Task id must be a number")
		}

		store := wire.MustStore(conf)
		defer wire.Close("task store", store)

		task, err := store.GetByID(context.Background(), id)
		if err != nil {
			wire.Close("task store", store)
			wire.Exit(exitcode.CannotConnectToDatabase, err, "Could not read task")
		}
		if task == nil {
			wire.Close("task store", store)
			wire.Exit(exitcode.InvalidTaskID, fmt.Errorf("task %d does not exist", id), "Unknown task")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		err = enc.Encode(struct {
			*models.Task
			LegacyStatus float64 `json:"legacy_status"`
		}{task, task.LegacyStatus()})
		if err != nil {
			log.Error().Err(err).Msg("Could not print task")
		}
	},
}

func init() {
	enqueueCmd.Flags().Int("type", 0, "task type")
	enqueueCmd.Flags().String("params", "", `task parameters as JSON, e.g. '{"main_image_file": "/in/a.tif"}'`)
	enqueueCmd.Flags().String("creator", "", "who created the task")
	enqueueCmd.Flags().Int64("depends-on", 0, "id of the task that must finish first")
	_ = enqueueCmd.MarkFlagRequired("type")
	_ = enqueueCmd.MarkFlagRequired("params")

	Command.AddCommand(enqueueCmd)
	Command.AddCommand(showCmd)
}
