package cli

import (
	"fmt"
	"io"

	"github.com/dqhieuu/pg-explore-sub000/internal/service"
	"github.com/dqhieuu/pg-explore-sub000/pkg/models"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// projectFile is the YAML layout accepted by the import command.
type projectFile struct {
	Name   string        `yaml:"name"`
	Schema []projectStep `yaml:"schema"`
	Data   []projectStep `yaml:"data"`
}

type projectStep struct {
	Type               models.StepType `yaml:"type"`
	File               *projectSource  `yaml:"file"`
	TableName          string          `yaml:"tableName"`
	IncludeCreateTable bool            `yaml:"includeCreateTable"`
}

type projectSource struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

func parseProject(r io.Reader) (projectFile, error) {
	var p projectFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return projectFile{}, errors.Wrap(err, "parse project file")
	}
	for _, steps := range [][]projectStep{p.Schema, p.Data} {
		for i, st := range steps {
			if !st.Type.Valid() {
				return projectFile{}, fmt.Errorf("step %d: unknown step type %q", i, st.Type)
			}
		}
	}
	return p, nil
}

// importProject creates a database from a project file: one file per step,
// bound in order. A step without a file becomes a placeholder.
func importProject(project *service.ProjectService, r io.Reader) (models.Database, error) {
	p, err := parseProject(r)
	if err != nil {
		return models.Database{}, err
	}
	db, err := project.CreateDatabase(p.Name)
	if err != nil {
		return models.Database{}, err
	}

	pipelines := []struct {
		t     models.WorkflowType
		steps []projectStep
	}{
		{models.SchemaWorkflowType, p.Schema},
		{models.DataWorkflowType, p.Data},
	}
	for _, pl := range pipelines {
		for i, st := range pl.steps {
			step := models.WorkflowStep{Type: st.Type}
			if st.Type == models.TableStepType {
				step.Options = &models.TableOptions{
					TableName:          st.TableName,
					IncludeCreateTable: st.IncludeCreateTable,
				}
			}
			if st.File != nil {
				name := st.File.Name
				if name == "" {
					name = fmt.Sprintf("%s-%d", pl.t, i+1)
				}
				file, err := project.CreateFile(db.ID, name, st.Type.FileType(), st.File.Content)
				if err != nil {
					return models.Database{}, errors.Wrapf(err, "%s step %d", pl.t, i)
				}
				step.FileID = file.ID
			}
			if _, err := project.InsertStep(db.ID, pl.t, -1, step); err != nil {
				return models.Database{}, errors.Wrapf(err, "%s step %d", pl.t, i)
			}
		}
	}
	return db, nil
}
