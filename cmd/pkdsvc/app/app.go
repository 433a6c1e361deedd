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

package app

import (
	"errors"
	"io"

	"github.com/iland112/local-pkd-sub009/cmd/pkdsvc/app/cmd"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
)

func Run(out, stderr io.Writer) error {
	c := cmd.NewRootCommand(out, stderr)
	return c.Execute()
}

// ExitCode maps an error to the process exit code: 2 for rejected input or
// an illegal command, 1 for everything else.
func ExitCode(err error) int {
	var e *pkderrors.Error
	if errors.As(err, &e) {
		switch e.Class() {
		case pkderrors.Input, pkderrors.Format, pkderrors.Policy:
			return 2
		}
	}
	return 1
}
