/*
Copyright 2024 The Local PKD Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package log

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
)

type contextKey struct{}

var ContextKey = contextKey{}

type EventContext struct {
	Task    constants.Phase
	Subtask string
}

// WithEventContext returns a ctx whose log entries carry the given task and
// subtask. Subtask is the upload or verification id when one exists.
func WithEventContext(ctx context.Context, task constants.Phase, subtask string) context.Context {
	return context.WithValue(ctx, ContextKey, EventContext{
		Task:    task,
		Subtask: subtask,
	})
}

// Entry takes a context.Context and constructs a logrus.Entry from it, adding
// fields for task and subtask information
func Entry(ctx context.Context) *logrus.Entry {
	val := ctx.Value(ContextKey)
	if eventContext, ok := val.(EventContext); ok {
		return logrus.WithFields(logrus.Fields{
			"task":    eventContext.Task,
			"subtask": eventContext.Subtask,
		})
	}

	// Log lines outside any pipeline run carry the Service task.
	return logrus.WithFields(logrus.Fields{
		"task":    constants.Service,
		"subtask": constants.SubtaskIDNone,
	})
}
