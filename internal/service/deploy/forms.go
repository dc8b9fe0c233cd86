package deploy

import (
	"strings"

	"github.com/splax/sitedeploy/internal/domain"
)

// formSectionTypes lists section types that post submissions back to the site.
var formSectionTypes = map[string]struct{}{
	"form":         {},
	"contact_form": {},
	"newsletter":   {},
	"signup":       {},
	"booking":      {},
	"survey":       {},
}

// RequiresFormBackend reports whether any section, at any depth, needs a
// form-submission backend.
func RequiresFormBackend(pages []domain.Page) bool {
	for _, page := range pages {
		if sectionsNeedForms(page.Sections) {
			return true
		}
	}
	return false
}

func sectionsNeedForms(sections []domain.Section) bool {
	for _, section := range sections {
		kind := strings.ToLower(strings.TrimSpace(section.Type))
		kind = strings.ReplaceAll(kind, "-", "_")
		if _, ok := formSectionTypes[kind]; ok {
			return true
		}
		if sectionsNeedForms(section.Children) {
			return true
		}
	}
	return false
}
