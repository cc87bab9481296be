package job

// Options holds the per-submission knobs resolved over scheduler defaults.
type Options struct {
	Priority Priority
	Config   Config
}

// Option is a functional option applied at submission. Options the caller
// does not set keep the scheduler's defaults.
type Option func(*Options)

// WithPriority sets the job's priority band.
func WithPriority(p Priority) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithRetryAttempts sets the number of retries after the initial attempt.
func WithRetryAttempts(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.Config.RetryAttempts = n
		}
	}
}

// WithMaxConcurrentItems bounds this job's item-level parallelism.
func WithMaxConcurrentItems(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Config.MaxConcurrentItems = n
		}
	}
}

// WithPauseOnError pauses the job on its first permanent item failure.
func WithPauseOnError(pause bool) Option {
	return func(o *Options) {
		o.Config.PauseOnError = pause
	}
}
