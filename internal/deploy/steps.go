package deploy

import (
	"fmt"

	"github.com/google/shlex"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/translate"
	"github.com/3cpo-dev/ladapter/pkg/api"
)

// Steps returns the steps of task. A task without steps that names a legacy
// task_type is mapped from its config map.
func Steps(task api.DeploymentTask) ([]api.TaskStep, error) {
	if len(task.Steps) > 0 {
		for i, s := range task.Steps {
			if err := validateStep(s); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
		}
		return task.Steps, nil
	}
	var step api.TaskStep
	switch task.TaskType {
	case api.TaskShellCommand:
		step = api.TaskStep{Type: api.StepShell, Command: configString(task.Config, "command"), UseShell: true,
			Dir: configString(task.Config, "working_dir")}
	case api.TaskFileOperation:
		verb, args, err := fileOperation(task.Config)
		if err != nil {
			return nil, err
		}
		step = api.TaskStep{Type: api.StepCommand, Verb: verb, Args: args}
	case api.TaskServiceManagement:
		action := configString(task.Config, "action")
		step = api.TaskStep{Type: api.StepCommand, Verb: "service_" + action, Args: []string{configString(task.Config, "service")}}
	case "":
		return nil, invalid("task %s has no steps", task.TaskID)
	default:
		return nil, invalid("unknown task_type %q", task.TaskType)
	}
	if err := validateStep(step); err != nil {
		return nil, err
	}
	return []api.TaskStep{step}, nil
}

func validateStep(s api.TaskStep) error {
	switch s.Type {
	case api.StepCommand:
		if s.Verb == "" {
			return invalid("command step needs a verb")
		}
	case api.StepShell:
		if s.Command == "" {
			return invalid("shell step needs a command")
		}
	case api.StepExtension:
		if s.Name == "" {
			return invalid("extension step needs a name")
		}
	case api.StepFetchArtifact:
		if s.Source == "" || s.Dest == "" {
			return invalid("fetch_artifact step needs source and dest")
		}
	default:
		return invalid("unknown step type %q", s.Type)
	}
	return nil
}

// shellArgv splits a shell step into a verb and its arguments. With use_shell the
// whole command goes to the platform shell unchanged.
func shellArgv(s api.TaskStep) (string, []string, error) {
	if s.UseShell {
		return translate.Shell, []string{s.Command}, nil
	}
	words, err := shlex.Split(s.Command)
	if err != nil {
		return "", nil, invalid("split %q: %v", s.Command, err)
	}
	if len(words) == 0 {
		return "", nil, invalid("empty command")
	}
	return words[0], words[1:], nil
}

var fileOperations = map[string]string{
	"list":   translate.ListFiles,
	"copy":   translate.Copy,
	"move":   translate.Move,
	"delete": translate.Delete,
	"mkdir":  translate.MakeDir,
	"read":   translate.ReadFile,
	"chmod":  translate.ChangeMode,
}

func fileOperation(cfg map[string]any) (string, []string, error) {
	op := configString(cfg, "operation")
	verb, ok := fileOperations[op]
	if !ok {
		return "", nil, invalid("unknown file operation %q", op)
	}
	var args []string
	if verb == translate.ChangeMode {
		args = append(args, configString(cfg, "mode"))
	}
	for _, k := range []string{"source", "path", "destination"} {
		if v := configString(cfg, k); v != "" {
			args = append(args, v)
		}
	}
	return verb, args, nil
}

func configString(cfg map[string]any, key string) string {
	switch v := cfg[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func invalid(format string, a ...any) error {
	return errdefs.New(errdefs.ErrInvalidArgs, "task", "", "", fmt.Errorf(format, a...))
}
