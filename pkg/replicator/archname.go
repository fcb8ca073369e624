package replicator

import (
	"go.uber.org/zap"

	"github.com/redoflow/redoflow/internal/model"
	"github.com/redoflow/redoflow/pkg/errors"
	"github.com/redoflow/redoflow/pkg/log"
)

// SeqThread is the pair extracted from an archived log filename.
type SeqThread struct {
	Sequence model.Seq
	Thread   model.ThreadID
}

// SequenceFromFileName extracts (sequence, thread) from an archive file
// name using the log_archive_format template. Wildcards:
//
//	%s - sequence number
//	%S - sequence number zero filled
//	%t - thread id
//	%T - thread id zero filled
//	%r - resetlogs id
//	%a - activation id
//	%d - database id
//	%h - some hash
//
// Failure returns (0, 0) after a 60028 warning; the caller skips the file.
func SequenceFromFileName(logger *log.Logger, format, file string) SeqThread {
	sequence := model.Seq(0)
	thread := model.ThreadID(1)
	i := 0
	j := 0

	warn := func(detail string) SeqThread {
		logger.Warning(errors.CodeFilenameParse, "can't get sequence from file: "+detail,
			zap.String("file", file),
			zap.String("log_archive_format", format),
			zap.Int("position", j),
			zap.Int("format_position", i))
		return SeqThread{Sequence: 0, Thread: 0}
	}

	for i < len(format) && j < len(file) {
		if format[i] == '%' {
			if i+1 >= len(format) {
				return warn("found end after %")
			}
			digits := 0
			switch format[i+1] {
			case 's', 'S', 't', 'T', 'r', 'a', 'd':
				// Some [0-9]*
				var number uint32
				for j < len(file) && file[j] >= '0' && file[j] <= '9' {
					number = number*10 + uint32(file[j]-'0')
					j++
					digits++
				}
				if format[i+1] == 's' || format[i+1] == 'S' {
					sequence = model.Seq(number)
				} else if format[i+1] == 't' || format[i+1] == 'T' {
					thread = model.ThreadID(number)
				}
				i += 2
			case 'h':
				// Some [0-9a-z]*
				for j < len(file) && ((file[j] >= '0' && file[j] <= '9') || (file[j] >= 'a' && file[j] <= 'z')) {
					j++
					digits++
				}
				i += 2
			}
			if digits == 0 {
				return warn("found no number/hash")
			}
		} else if file[j] == format[i] {
			i++
			j++
		} else {
			return warn("found different values")
		}
	}

	if i == len(format) && j == len(file) {
		return SeqThread{Sequence: sequence, Thread: thread}
	}

	return warn("found no sequence")
}
