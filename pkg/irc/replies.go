package irc

// The subset of RFC 1459 numeric replies the bridge uses.
const (
	RplWelcome          = 1
	RplYourHost         = 2
	RplLuserClient      = 251
	RplUserhost         = 302
	RplUnaway           = 305
	RplNowAway          = 306
	RplWhoisUser        = 311
	RplWhoisServer      = 312
	RplWhoisOperator    = 313
	RplEndOfWho         = 315
	RplWhoisIdle        = 317
	RplEndOfWhois       = 318
	RplWhoisChannels    = 319
	RplList             = 322
	RplListEnd          = 323
	RplChannelModeIs    = 324
	RplNoTopic          = 331
	RplTopic            = 332
	RplWhoReply         = 352
	RplNamReply         = 353
	RplEndOfNames       = 366
	RplEndOfBanList     = 368
	ErrNoSuchNick       = 401
	ErrNoSuchChannel    = 403
	ErrUnknownCommand   = 421
	ErrFileError        = 424
	ErrErroneusNickname = 432
	ErrUnknownMode      = 472
	ErrUmodeUnknownFlag = 501
)
