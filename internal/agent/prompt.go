package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/heald/internal/store"
)

const promptTemplate = `You are an expert developer fixing an error in a service module.

## ERROR INFORMATION
- **Type**: %s
- **Module**: %s
- **File**: %s
- **Line**: %s

## ERROR MESSAGE
` + "```" + `
%s
` + "```" + `

## STACK TRACE
` + "```" + `
%s
` + "```" + `

## CONTEXT (surrounding code)
` + "```" + `
%s
` + "```" + `

## INSTRUCTIONS
1. Analyze the root cause of this error
2. Make the MINIMUM changes necessary to fix the error
3. Follow the project's existing conventions
4. Do NOT modify unrelated code
5. Do NOT add unnecessary comments or documentation
6. Verify the fix does not introduce new errors

Apply the fix directly to the source file.
`

// excerptLines is how many lines around the failing line are included.
const excerptLines = 10

// BuildPrompt renders the fixing prompt for an error, including a source
// excerpt around the failing line when the file is readable.
func BuildPrompt(e *store.Error) string {
	module := e.ModuleName
	if module == "" {
		module = "unknown"
	}
	filePath := e.FilePath
	if filePath == "" {
		filePath = "unknown"
	}
	lineNumber := "unknown"
	if e.LineNumber > 0 {
		lineNumber = fmt.Sprintf("%d", e.LineNumber)
	}
	stackTrace := e.StackTrace
	if stackTrace == "" {
		stackTrace = "Not available"
	}
	excerpt := "Not available"
	if e.FilePath != "" && e.LineNumber > 0 {
		if c := codeExcerpt(e.FilePath, e.LineNumber); c != "" {
			excerpt = c
		}
	}

	return fmt.Sprintf(promptTemplate,
		e.ErrorType, module, filePath, lineNumber,
		e.Message, stackTrace, excerpt)
}

// codeExcerpt returns the numbered lines around lineNumber with the failing
// line marked ">>>". Unreadable files yield an empty excerpt.
func codeExcerpt(filePath string, lineNumber int) string {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")

	start := lineNumber - excerptLines - 1
	if start < 0 {
		start = 0
	}
	end := lineNumber + excerptLines
	if end > len(lines) {
		end = len(lines)
	}

	var out []string
	for i := start; i < end; i++ {
		marker := "   "
		if i+1 == lineNumber {
			marker = ">>>"
		}
		out = append(out, fmt.Sprintf("%s %4d: %s", marker, i+1, strings.TrimRight(lines[i], " \t\r")))
	}
	return strings.Join(out, "\n")
}

var modifiedFileRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:Modified|Edited|Updated|Created)\s+` + "[`\"]?" + `([^` + "`\"" + `\n]+\.py)` + "[`\"]?"),
	regexp.MustCompile(`(?i)Writing to\s+([^\n]+\.py)`),
	regexp.MustCompile(`(?i)Saving\s+([^\n]+\.py)`),
}

// ExtractModifiedFiles pulls source file paths the agent claims to have
// changed out of its free-form output. Duplicates are collapsed keeping
// first-seen order.
func ExtractModifiedFiles(output string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, re := range modifiedFileRes {
		for _, m := range re.FindAllStringSubmatch(output, -1) {
			path := strings.TrimSpace(m[1])
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			files = append(files, path)
		}
	}
	return files
}

// WorkDir infers the agent's working directory from the failing file: the
// directory holding the addons tree the file lives in. Falls back to the
// configured work dir.
func (i *Invoker) WorkDir(e *store.Error) string {
	if e.FilePath != "" {
		dir := filepath.Dir(e.FilePath)
		for dir != "/" && dir != "." {
			base := filepath.Base(dir)
			if base == "addons" || base == "custom_addons" {
				return filepath.Dir(dir)
			}
			if _, err := os.Stat(filepath.Join(dir, "__manifest__.py")); err == nil {
				return filepath.Dir(dir)
			}
			dir = filepath.Dir(dir)
		}
	}
	if i.cfg.WorkDir != "" {
		return i.cfg.WorkDir
	}
	return "."
}
