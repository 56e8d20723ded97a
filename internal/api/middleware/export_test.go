package middleware

// SetKeyPrefix lets external tests stand in for Authenticate.
var SetKeyPrefix = setKeyPrefix
