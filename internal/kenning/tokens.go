package kenning

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var groundingToken = regexp.MustCompile(`\{\{(tree|file):([^}]+)\}\}`)

// Warning describes a grounding token that could not be resolved.
type Warning struct {
	Token string
	Err   error
}

// ResolveTokens substitutes {{tree:path}} and {{file:path}} grounding
// tokens in text against root, the project working directory. A token
// that fails to resolve becomes a placeholder and is reported as a
// Warning rather than causing the call to fail; composition never
// fails because of an unresolved token.
func ResolveTokens(text, root string) (string, []Warning) {
	var warnings []Warning

	resolved := groundingToken.ReplaceAllStringFunc(text, func(match string) string {
		sub := groundingToken.FindStringSubmatch(match)
		kind, rel := sub[1], sub[2]
		full := filepath.Join(root, rel)

		switch kind {
		case "file":
			data, err := os.ReadFile(full)
			if err != nil {
				warnings = append(warnings, Warning{Token: match, Err: err})
				return fmt.Sprintf("[[unresolved: %s]]", match)
			}
			return string(data)
		case "tree":
			listing, err := renderTree(full)
			if err != nil {
				warnings = append(warnings, Warning{Token: match, Err: err})
				return fmt.Sprintf("[[unresolved: %s]]", match)
			}
			return listing
		default:
			return match
		}
	})

	return resolved, warnings
}

func renderTree(root string) (string, error) {
	var lines []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() {
			lines = append(lines, rel+"/")
		} else {
			lines = append(lines, rel)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}
