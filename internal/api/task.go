package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type TaskRouter struct {
	store    TaskStore
	notifier Notifier
	router   chi.Router
	logger   zerolog.Logger
}

func (t *TaskRouter) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	t.router.ServeHTTP(writer, request)
}

func NewTaskRouter(store TaskStore, notifier Notifier, router chi.Router, logger zerolog.Logger) *TaskRouter {
	r := &TaskRouter{
		store:    store,
		notifier: notifier,
		router:   router,
		logger:   logger,
	}
	r.router.Get("/{id}", r.GetTask)
	r.router.Post("/", r.AddTask)

	return r
}

func (t *TaskRouter) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "task id must be a positive integer", http.StatusBadRequest)
		return
	}

	task, err := t.store.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, "Failed to fetch task", http.StatusInternalServerError)
		t.logger.Error().Err(err).Int64("task_id", id).Msg("Failed to fetch task")
		return
	}
	if task == nil {
		http.Error(w, fmt.Sprintf("task %d does not exist", id), http.StatusNotFound)
		return
	}

	serveJson(t.logger, w, newTaskView(task))
}

func (t *TaskRouter) AddTask(w http.ResponseWriter, r *http.Request) {
	var payload CreateTask

	if err := readJson(t.logger, w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, fmt.Sprintf("Invalid task: %v", err), http.StatusBadRequest)
		return
	}

	id, err := t.store.Enqueue(r.Context(), payload.toNewTask())
	if err != nil {
		http.Error(w, "Could not enqueue task", http.StatusInternalServerError)
		t.logger.Error().Err(err).Msg("Could not enqueue task")
		return
	}

	if t.notifier != nil {
		if err := t.notifier.Notify(r.Context(), payload.Type); err != nil {
			t.logger.Warn().Err(err).Int64("task_id", id).Msg("Could not notify workers")
		}
	}

	task, err := t.store.GetByID(r.Context(), id)
	if err != nil || task == nil {
		http.Error(w, "Task was enqueued but could not be read back", http.StatusInternalServerError)
		return
	}
	serveJsonStatus(t.logger, w, http.StatusCreated, newTaskView(task))
}
