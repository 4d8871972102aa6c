// Package jobtimer measures named generation and build jobs, reporting
// start/finish through klog's verbose levels.
package jobtimer

import (
	"time"

	"k8s.io/klog/v2"
)

// Job is one running, named measurement. Create it with Start.
type Job struct {
	name  string
	start time.Time
}

// Start begins timing a named job.
func Start(name string) *Job {
	klog.V(1).Infof("starting job %q", name)
	return &Job{name: name, start: time.Now()}
}

// Done stops the job and returns its duration.
func (j *Job) Done() time.Duration {
	elapsed := time.Since(j.start)
	klog.V(1).Infof("finished job %q in %s", j.name, elapsed)
	return elapsed
}
