package server

import "fmt"

// Stable machine-readable error codes. Human messages stay Italian, the
// dashboard's language; clients branch on the code, never the text.
const (
	codeRequiredFields       = "REQUIRED_FIELDS"
	codeInvalidAPIID         = "INVALID_API_ID"
	codeInvalidPhone         = "INVALID_PHONE"
	codePhoneExists          = "PHONE_EXISTS"
	codeInvalidCredentials   = "INVALID_CREDENTIALS"
	codeAPICredentialsNotSet = "API_CREDENTIALS_NOT_SET"
	codeCredentialsInvalid   = "API_CREDENTIALS_INVALID"
	codeCodeInvalid          = "VERIFICATION_CODE_INVALID"
	codeCodeExpired          = "VERIFICATION_EXPIRED"
	code2FARequired          = "2FA_REQUIRED"
	code2FAInvalid           = "PASSWORD_2FA_INVALID"
	codeNoPendingCode        = "NO_PENDING_CODE"
	codeFloodWait            = "FLOOD_WAIT"
	codeSessionExpired       = "TELEGRAM_SESSION_EXPIRED"
	codeSessionActive        = "SESSION_ALREADY_ACTIVE"
	codeListenerExists       = "LISTENER_EXISTS"
	codeListenerActive       = "LISTENER_ACTIVE"
	codeRedirectExists       = "REDIRECT_EXISTS"
	codeNotFound             = "NOT_FOUND"
	codeSystemBusy           = "SYSTEM_BUSY"
	codeOperationTimeout     = "OPERATION_TIMEOUT"
	codeTelegramError        = "TELEGRAM_ERROR"
	codeInternalError        = "INTERNAL_ERROR"
)

var errMessages = map[string]string{
	codeRequiredFields:       "Tutti i campi sono obbligatori",
	codeInvalidAPIID:         "Formato API ID non valido. Deve essere un numero positivo",
	codeInvalidPhone:         "Formato numero di telefono non valido. Usa il formato +39xxxxxxxxx",
	codePhoneExists:          "Un utente con questo numero di telefono esiste già",
	codeInvalidCredentials:   "Numero di telefono o password non validi",
	codeAPICredentialsNotSet: "Credenziali API non impostate per questo utente",
	codeCredentialsInvalid:   "Credenziali API Telegram non valide. Controlla API ID e API Hash su https://my.telegram.org",
	codeCodeInvalid:          "Codice di verifica non valido",
	codeCodeExpired:          "Codice di verifica scaduto. Effettua nuovamente il login",
	code2FARequired:          "Password 2FA richiesta ma non fornita",
	code2FAInvalid:           "Password 2FA non valida",
	codeNoPendingCode:        "Nessun codice in sospeso. Effettua nuovamente il login",
	codeFloodWait:            "Troppe richieste. Attendi qualche minuto prima di riprovare",
	codeSessionExpired:       "Sessione Telegram scaduta. Effettua nuovamente il login",
	codeSessionActive:        "Logging già attivo per questa chat",
	codeListenerExists:       "Esiste già un listener per questa chat",
	codeListenerActive:       "Il listener è già in esecuzione",
	codeRedirectExists:       "Esiste già una regola di redirect per questo listener",
	codeNotFound:             "Risorsa non trovata",
	codeSystemBusy:           "Sistema occupato. Riprova tra qualche istante",
	codeOperationTimeout:     "Operazione scaduta. Riprova tra qualche istante",
	codeTelegramError:        "Errore Telegram inaspettato",
	codeInternalError:        "Errore interno del server",
}

// errorMessage looks up the Italian message for a code.
func errorMessage(code string) string {
	if msg, ok := errMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Errore sconosciuto: %s", code)
}
