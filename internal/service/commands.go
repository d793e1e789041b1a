package service

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/laguz/internal/apperr"
	"github.com/starford/laguz/internal/cell"
	"github.com/starford/laguz/internal/notebook"
)

// Command names accepted by Dispatch.
const (
	CmdRunCell         = "run-cell"
	CmdRunAndAdvance   = "run-and-advance"
	CmdRunAll          = "run-all"
	CmdRunAbove        = "run-above"
	CmdRunBelow        = "run-below"
	CmdClearOutputs    = "clear-outputs"
	CmdClearAllOutputs = "clear-all-outputs"
	CmdInsertCell      = "insert-cell"
	CmdDeleteCell      = "delete-cell"
	CmdMoveCell        = "move-cell"
	CmdDuplicateCell   = "duplicate-cell"
	CmdMergeBelow      = "merge-below"
	CmdChangeType      = "change-type"
	CmdCut             = "cut"
	CmdCopy            = "copy"
	CmdPaste           = "paste"
	CmdUndo            = "undo"
	CmdRedo            = "redo"
	CmdSave            = "save"
	CmdSaveAs          = "save-as"
	CmdSetSource       = "set-source"
	CmdSetActive       = "set-active"
	CmdToggleInput     = "toggle-input"
	CmdToggleOutput    = "toggle-output"
	CmdConnectKernel   = "connect-kernel"
	CmdDisconnect      = "disconnect-kernel"
	CmdInterrupt       = "interrupt-kernel"
	CmdRestart         = "restart-kernel"
)

var commandNames = []any{
	CmdRunCell, CmdRunAndAdvance, CmdRunAll, CmdRunAbove, CmdRunBelow,
	CmdClearOutputs, CmdClearAllOutputs, CmdInsertCell, CmdDeleteCell,
	CmdMoveCell, CmdDuplicateCell, CmdMergeBelow, CmdChangeType,
	CmdCut, CmdCopy, CmdPaste, CmdUndo, CmdRedo, CmdSave, CmdSaveAs,
	CmdSetSource, CmdSetActive, CmdToggleInput, CmdToggleOutput,
	CmdConnectKernel, CmdDisconnect, CmdInterrupt, CmdRestart,
}

// Command is one structural, execution, or kernel instruction against an
// open notebook. Fields beyond Name are read per command.
type Command struct {
	Name        string `json:"name"`
	Index       int    `json:"index"`
	Indices     []int  `json:"indices,omitempty"`
	To          int    `json:"to"`
	CellType    string `json:"cell_type,omitempty"`
	Text        string `json:"text"`
	Kernel      string `json:"kernel,omitempty"`
	NewPath     string `json:"new_path,omitempty"`
	StopOnError bool   `json:"stop_on_error,omitempty"`
}

// Validate checks the command shape before dispatch.
func (c Command) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required, validation.In(commandNames...)),
		validation.Field(&c.CellType,
			validation.Required.When(c.Name == CmdInsertCell || c.Name == CmdChangeType),
			validation.In("code", "markdown", "raw")),
		validation.Field(&c.NewPath, validation.Required.When(c.Name == CmdSaveAs)),
		validation.Field(&c.Kernel, validation.Required.When(c.Name == CmdConnectKernel)),
	)
}

// CommandResult reports what a dispatched command did. Exec is set for
// single-cell runs, Ran for multi-cell runs, Clipped for cut and copy.
type CommandResult struct {
	Ran     int       `json:"ran,omitempty"`
	Clipped int       `json:"clipped,omitempty"`
	Exec    *ExecView `json:"exec,omitempty"`
}

// Dispatch applies cmd to the document open under path.
func (s *Service) Dispatch(ctx context.Context, path string, cmd Command) (*CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("service: command: %w", err)
	}
	d, ok := s.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("service: command %s: %s: %w", cmd.Name, path, apperr.ErrNotFound)
	}
	s.mu.Lock()
	s.active = d
	s.mu.Unlock()
	return s.apply(ctx, d, cmd)
}

// DispatchOn applies cmd to an already resolved document (untitled hosts).
func (s *Service) DispatchOn(ctx context.Context, d *notebook.Document, cmd Command) (*CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("service: command: %w", err)
	}
	s.mu.Lock()
	s.active = d
	s.mu.Unlock()
	return s.apply(ctx, d, cmd)
}

func (s *Service) apply(ctx context.Context, d *notebook.Document, cmd Command) (*CommandResult, error) {
	res := &CommandResult{}
	opts := notebook.RunOptions{StopOnError: cmd.StopOnError}

	switch cmd.Name {
	case CmdRunCell:
		er, err := d.ExecuteCell(ctx, cmd.Index)
		if err != nil {
			return nil, err
		}
		res.Exec = ExecViewOf(er)

	case CmdRunAndAdvance:
		er, err := d.ExecuteCell(ctx, cmd.Index)
		if err != nil {
			return nil, err
		}
		res.Exec = ExecViewOf(er)
		if cmd.Index >= d.Len()-1 {
			if _, err := d.InsertCell(cmd.Index+1, cell.TypeCode); err != nil {
				return nil, err
			}
		}
		if err := d.SetActiveIndex(cmd.Index + 1); err != nil {
			return nil, err
		}

	case CmdRunAll:
		n, err := d.RunAll(ctx, opts)
		res.Ran = n
		if err != nil {
			return res, err
		}

	case CmdRunAbove:
		n, err := d.RunAbove(ctx, cmd.Index, opts)
		res.Ran = n
		if err != nil {
			return res, err
		}

	case CmdRunBelow:
		n, err := d.RunBelow(ctx, cmd.Index, opts)
		res.Ran = n
		if err != nil {
			return res, err
		}

	case CmdClearOutputs:
		if err := d.ClearCellOutputs(cmd.Index); err != nil {
			return nil, err
		}

	case CmdClearAllOutputs:
		d.ClearAllOutputs()

	case CmdInsertCell:
		if _, err := d.InsertCell(cmd.Index, cell.Type(cmd.CellType)); err != nil {
			return nil, err
		}

	case CmdDeleteCell:
		if len(cmd.Indices) > 0 {
			if err := d.DeleteCells(cmd.Indices); err != nil {
				return nil, err
			}
		} else if err := d.DeleteCell(cmd.Index); err != nil {
			return nil, err
		}

	case CmdMoveCell:
		if len(cmd.Indices) > 0 {
			if err := d.MoveCells(cmd.Indices, cmd.To); err != nil {
				return nil, err
			}
		} else if err := d.MoveCell(cmd.Index, cmd.To); err != nil {
			return nil, err
		}

	case CmdDuplicateCell:
		if err := d.Duplicate(cmd.Index); err != nil {
			return nil, err
		}

	case CmdMergeBelow:
		if err := d.MergeCellBelow(cmd.Index); err != nil {
			return nil, err
		}

	case CmdChangeType:
		if err := d.ChangeCellType(cmd.Index, cell.Type(cmd.CellType)); err != nil {
			return nil, err
		}

	case CmdCut:
		clipped, err := d.Cut(s.commandIndices(cmd))
		if err != nil {
			return nil, err
		}
		s.setClipboard(clipped)
		res.Clipped = len(clipped)

	case CmdCopy:
		clipped, err := d.CopyCells(s.commandIndices(cmd))
		if err != nil {
			return nil, err
		}
		s.setClipboard(clipped)
		res.Clipped = len(clipped)

	case CmdPaste:
		if err := d.Paste(cmd.Index, s.Clipboard()); err != nil {
			return nil, err
		}

	case CmdUndo:
		if err := d.Undo(); err != nil {
			return nil, err
		}

	case CmdRedo:
		if err := d.Redo(); err != nil {
			return nil, err
		}

	case CmdSave:
		if err := d.Save(ctx); err != nil {
			return nil, err
		}

	case CmdSaveAs:
		if err := s.SaveAs(ctx, d, cmd.NewPath); err != nil {
			return nil, err
		}

	case CmdSetSource:
		if err := d.UpdateCellSource(cmd.Index, cmd.Text); err != nil {
			return nil, err
		}

	case CmdSetActive:
		if err := d.SetActiveIndex(cmd.Index); err != nil {
			return nil, err
		}

	case CmdToggleInput:
		c, err := d.CellAt(cmd.Index)
		if err != nil {
			return nil, err
		}
		if err := d.SetCellInputVisible(cmd.Index, !c.InputVisible); err != nil {
			return nil, err
		}

	case CmdToggleOutput:
		c, err := d.CellAt(cmd.Index)
		if err != nil {
			return nil, err
		}
		if err := d.SetCellOutputVisible(cmd.Index, !c.OutputVisible); err != nil {
			return nil, err
		}

	case CmdConnectKernel:
		if err := d.ConnectToKernel(ctx, cmd.Kernel); err != nil {
			return nil, err
		}

	case CmdDisconnect:
		d.DisconnectKernel()

	case CmdInterrupt:
		if err := d.InterruptKernel(); err != nil {
			return nil, err
		}

	case CmdRestart:
		if err := d.RestartKernel(ctx); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("service: unknown command %q", cmd.Name)
	}

	return res, nil
}

func (s *Service) commandIndices(cmd Command) []int {
	if len(cmd.Indices) > 0 {
		return cmd.Indices
	}
	return []int{cmd.Index}
}

func (s *Service) setClipboard(cells []*cell.Cell) {
	s.mu.Lock()
	s.clipboard = cells
	s.mu.Unlock()
}

// Clipboard returns the cells captured by the last cut or copy, shared
// across documents.
func (s *Service) Clipboard() []*cell.Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*cell.Cell(nil), s.clipboard...)
}
