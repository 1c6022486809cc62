package appbootstrap

import (
	"database/sql"

	"vigil-ims/config"
	"vigil-ims/core/chatops"
	"vigil-ims/core/escalation"
	"vigil-ims/core/incidents"
	"vigil-ims/core/jobs"
	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

// Runtime is the wired application: all services composed over one database
// handle, plus the background queue.
type Runtime struct {
	Incidents   *incidents.Service
	Scheduler   *escalation.Scheduler
	Worker      *escalation.Worker
	Queue       *jobs.Queue
	Escalations store.EscalationStore
	Directory   store.DirectoryStore
}

func ComposeRuntime(cfg *config.AppConfig, db *sql.DB, logger *utils.Logger) (*Runtime, error) {
	incidentsStore := store.NewIncidentsStore(db)
	events := store.NewEventStore(db)
	escalations := store.NewEscalationStore(db)
	directory := store.NewDirectoryStore(db)
	jobsStore := store.NewJobsStore(db)

	queue := jobs.NewQueue(jobsStore, cfg.Queue, logger)

	var encryptor *utils.Encryptor
	if cfg.Chat.EncryptionKey != "" {
		enc, err := utils.NewEncryptorFromString(cfg.Chat.EncryptionKey)
		if err != nil {
			return nil, err
		}
		encryptor = enc
	}
	sender := chatops.NewHTTPChatSender(cfg.Chat, encryptor)

	incidentsSvc := incidents.NewService(db, incidentsStore, events, escalations, logger)
	scheduler := escalation.NewScheduler(db, incidentsStore, events, escalations, directory, queue, cfg.Escalation, logger)
	worker := escalation.NewWorker(db, incidentsStore, events, escalations, directory, sender, cfg.Chat, logger)
	incidentsSvc.SetEscalator(scheduler)
	queue.Handle(cfg.Escalation.StepJobType, worker.HandleStepJob)

	return &Runtime{
		Incidents:   incidentsSvc,
		Scheduler:   scheduler,
		Worker:      worker,
		Queue:       queue,
		Escalations: escalations,
		Directory:   directory,
	}, nil
}
