// Package config builds the single Config value a dispatch run uses.
//
// Sources, lowest precedence first:
//   - built-in defaults (batch size 10, 30s delay, 30s request timeout,
//     state in the working directory, http transport)
//   - an optional YAML file (endpoint, input_path, token, batch_size, delay,
//     start, retry_mode, state_dir, request_timeout, checkpoint,
//     metrics_file, transport, kafka.brokers, kafka.topic)
//   - an optional dotenv file, which never overrides the real environment
//   - the environment (WEBHOOK_URL, EMAILS_PATH, TOKEN, BATCH_SIZE,
//     DELAY_BETWEEN_BATCHES_MS, START, RETRY_MODE, ...)
//   - Overrides supplied by the caller (CLI flags)
//
// Loader.Load validates the result once; every failure is an *Error so the
// caller can tell configuration problems apart from input problems.
//
// Loader.Watch uses fsnotify to reload the YAML file while a run is in
// progress. It handles the rename→create pattern used by atomic-save
// editors by re-adding the watch after each reload.
package config
