package config

const (
	// TopicSyncTrigger is the NSQ topic carrying requests to run one sync cycle for an account.
	TopicSyncTrigger = "mailsync.trigger"

	// ChannelSyncWorker is the NSQ channel the sync worker consumes triggers on.
	ChannelSyncWorker = "sync-worker"
)
