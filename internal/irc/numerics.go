package irc

// Numeric reply codes emitted by this adapter.
const (
	rplWelcome       = "001"
	rplYourHost      = "002"
	rplCreated       = "003"
	rplMyInfo        = "004"
	rplAway          = "301"
	rplUnaway        = "305"
	rplNowAway       = "306"
	rplWhoisUser     = "311"
	rplWhoisServer   = "312"
	rplEndOfWhois    = "318"
	rplWhoisChannels = "319"
	rplList          = "322"
	rplListEnd       = "323"
	rplNoTopic       = "331"
	rplTopic         = "332"
	rplInviting      = "341"
	rplNamReply      = "353"
	rplEndOfNames    = "366"
	rplMotd          = "372"
	rplMotdStart     = "375"
	rplEndOfMotd     = "376"

	errNoSuchNick        = "401"
	errNoSuchChannel     = "403"
	errUnknownCommand    = "421"
	errNoMotd            = "422"
	errNoNicknameGiven   = "431"
	errErroneousNickname = "432"
	errNicknameInUse     = "433"
	errNotOnChannel      = "442"
	errNotRegistered     = "451"
	errNeedMoreParams    = "461"
	errAlreadyRegistered = "462"
	errPasswdMismatch    = "464"
	errChanOpPrivsNeeded = "482"

	rplLoggedIn    = "900"
	rplSaslSuccess = "903"
	errSaslFail    = "904"
	errSaslAborted = "906"
)
