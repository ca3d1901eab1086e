package config

// The following variables are available for use in the templates:
//
// Name           job name
// WorkDir        shell-quoted working directory, may be empty
// Directives     scheduler flags rendered from the job's resource hints
// Env            shell-quoted NAME=value pairs exported before the command
// Setup          shell lines run before the command, e.g. conda activation
// Command        the job's command line, shell-quoted
//
// See https://golang.org/pkg/text/template for more information

var slurmTemplate = `#!/bin/bash
{{range .Directives -}}
#SBATCH {{.}}
{{end}}
{{- range .Env}}
export {{.}}
{{- end}}
{{- range .Setup}}
{{.}}
{{- end}}
{{if .WorkDir -}}
cd {{.WorkDir}}
{{end -}}
{{.Command}}
`

var pbsTemplate = `#!/bin/bash
{{range .Directives -}}
#PBS {{.}}
{{end}}
{{- range .Env}}
export {{.}}
{{- end}}
{{- range .Setup}}
{{.}}
{{- end}}
{{if .WorkDir -}}
cd {{.WorkDir}}
{{end -}}
{{.Command}}
`

var gridEngineTemplate = `#!/bin/bash
#$ -S /bin/bash
{{range .Directives -}}
#$ {{.}}
{{end}}
{{- range .Env}}
export {{.}}
{{- end}}
{{- range .Setup}}
{{.}}
{{- end}}
{{if .WorkDir -}}
cd {{.WorkDir}}
{{end -}}
{{.Command}}
`

// DefaultTemplate returns the default batch script template for a
// scheduler kind, or an empty string for kinds without one.
func DefaultTemplate(kind string) string {
	switch kind {
	case Slurm:
		return slurmTemplate
	case PBS:
		return pbsTemplate
	case GridEngine:
		return gridEngineTemplate
	}
	return ""
}
