// Package i18n localizes engine error messages for the HTTP surface.
// Messages are registered with golang.org/x/text/message for Italian, the
// back-office default, and English.
package i18n

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/vacanze/phasegate/internal/domain"
)

var supported = []language.Tag{language.Italian, language.English}

var matcher = language.NewMatcher(supported)

// Supported returns the supported language tags, default first.
func Supported() []language.Tag {
	out := make([]language.Tag, len(supported))
	copy(out, supported)
	return out
}

// ParseTag parses a locale and reports whether it maps to a supported tag.
func ParseTag(value string) (language.Tag, bool) {
	tag, err := language.Parse(strings.TrimSpace(value))
	if err != nil {
		return language.Und, false
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return language.Und, false
	}
	return supported[idx], true
}

// ResolveTag picks the best supported language for an Accept-Language
// header, falling back to def.
func ResolveTag(acceptLanguage string, def language.Tag) language.Tag {
	accept := strings.TrimSpace(acceptLanguage)
	if accept == "" {
		return def
	}
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return def
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return def
	}
	return supported[idx]
}

// entry holds the translations of one error code. The detailed variant is
// used when every key in args is present in the error details.
type entry struct {
	args           []string
	it, en         string
	itArgs, enArgs string
}

var messages = map[int]entry{
	domain.ErrValidation.Code:        {it: "Richiesta non valida", en: "Invalid request"},
	domain.ErrUnknownEntityType.Code: {it: "Tipo di scheda sconosciuto", en: "Unknown record type"},
	domain.ErrInvalidReason.Code:     {it: "Motivo di scarto non ammesso", en: "Rejection reason not allowed"},
	domain.ErrInvalidTransition.Code: {
		args:   []string{"from", "to"},
		it:     "Passaggio di fase non consentito",
		en:     "Phase change not allowed",
		itArgs: "Passaggio di fase non consentito da %[1]s a %[2]s",
		enArgs: "Phase change from %[1]s to %[2]s is not allowed",
	},
	domain.ErrPhaseGateFailed.Code: {
		args:   []string{"phase", "missing_mandatory"},
		it:     "Documenti obbligatori mancanti",
		en:     "Mandatory documents are missing",
		itArgs: "Impossibile lasciare la fase %[1]s: mancano %[2]s documenti obbligatori",
		enArgs: "Cannot leave phase %[1]s: %[2]s mandatory documents missing",
	},
	domain.ErrNotFound.Code:       {it: "Scheda non trovata", en: "Record not found"},
	domain.ErrEntityClosed.Code:   {it: "La scheda è chiusa e non può cambiare fase", en: "The record is closed and cannot change phase"},
	domain.ErrOptimisticLock.Code: {it: "La scheda è stata modificata da un altro utente, ricarica e riprova", en: "The record was changed by someone else, reload and retry"},
	domain.ErrPhaseNotFound.Code:  {it: "Fase inesistente", en: "Phase does not exist"},
	domain.ErrPhaseMismatch.Code:  {it: "La fase mostrata non è più quella attuale, ricarica e riprova", en: "The displayed phase is out of date, reload and retry"},
	domain.ErrNoLeadProperties.Code: {
		it: "Aggiungi almeno un immobile prima di procedere",
		en: "Add at least one property before moving on",
	},
	domain.ErrTransitionPersistFailed.Code: {it: "Impossibile salvare il cambio di fase", en: "The phase change could not be saved"},
	domain.ErrPreconditionFailed.Code: {
		args:   []string{"required_phase"},
		it:     "Operazione non consentita nello stato attuale",
		en:     "Operation not allowed in the current state",
		itArgs: "Operazione consentita solo nella fase %[1]s con esito in corso",
		enArgs: "Operation allowed only in phase %[1]s with an open outcome",
	},
	domain.ErrConversionFailed.Code: {it: "Impossibile completare la conversione", en: "The conversion could not be completed"},
	domain.ErrStorageFailed.Code:    {it: "Errore di archiviazione", en: "Storage error"},
}

func key(code int) string {
	return fmt.Sprintf("error.%d", code)
}

func detailedKey(code int) string {
	return fmt.Sprintf("error.%d.detailed", code)
}

func init() {
	for code, e := range messages {
		message.SetString(language.Italian, key(code), e.it)
		message.SetString(language.English, key(code), e.en)
		if len(e.args) > 0 {
			message.SetString(language.Italian, detailedKey(code), e.itArgs)
			message.SetString(language.English, detailedKey(code), e.enArgs)
		}
	}
}

// Message renders the user-facing message of err in tag. Errors without a
// translation keep their own message.
func Message(tag language.Tag, err error) string {
	var ee *domain.EngineError
	if !errors.As(err, &ee) {
		return err.Error()
	}
	e, ok := messages[ee.Code]
	if !ok {
		return ee.Message
	}
	p := message.NewPrinter(tag)
	if args, ok := detailArgs(e.args, ee.Details); ok {
		return p.Sprintf(detailedKey(ee.Code), args...)
	}
	return p.Sprintf(key(ee.Code))
}

func detailArgs(keys []string, details map[string]string) ([]any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		v, ok := details[k]
		if !ok || v == "" {
			return nil, false
		}
		args = append(args, v)
	}
	return args, true
}
