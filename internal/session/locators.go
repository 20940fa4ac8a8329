package session

import "github.com/jvalenc/webmta/internal/driver"

// Remote console selectors drift between rollouts, so every step carries an
// ordered list of structurally distinct strategies. The first strategy that
// resolves to a visible element wins.

// loginEntryStrategies locate the credential-based entry path. Some console
// variants land directly on the account form, so total absence is tolerated.
var loginEntryStrategies = []driver.Strategy{
	driver.CSS("entry-use-account", `button[data-action="use-account"]`),
	driver.CSS("entry-signin-link", `a[href*="signin"]`),
	driver.XPath("entry-signin-text", `//button[contains(., "Sign in")]`),
	driver.XPath("entry-credentials-text", `//div[@role="button"][contains(., "password")]`),
}

var accountFieldStrategies = []driver.Strategy{
	driver.CSS("account-email-input", `input[type="email"]`),
	driver.CSS("account-id-input", `input[name="identifier"]`),
	driver.CSS("account-tel-input", `input[type="tel"][name="username"]`),
	driver.XPath("account-labelled", `//input[@aria-label="Email or phone"]`),
}

var accountNextStrategies = []driver.Strategy{
	driver.CSS("account-next-id", `#identifierNext`),
	driver.XPath("account-next-text", `//button[contains(., "Next")]`),
	driver.CSS("account-submit", `button[type="submit"]`),
}

var secretFieldStrategies = []driver.Strategy{
	driver.CSS("secret-password-input", `input[type="password"]`),
	driver.CSS("secret-named-input", `input[name="password"]`),
	driver.XPath("secret-labelled", `//input[@aria-label="Enter your password"]`),
}

var secretNextStrategies = []driver.Strategy{
	driver.CSS("secret-next-id", `#passwordNext`),
	driver.XPath("secret-next-text", `//button[contains(., "Next")]`),
	driver.CSS("secret-submit", `button[type="submit"]`),
}

// secondFactorStrategies detect a second-factor challenge view. Completion is
// manual; these only identify that the wait window applies.
var secondFactorStrategies = []driver.Strategy{
	driver.CSS("challenge-container", `[data-challenge-ui]`),
	driver.CSS("challenge-totp-input", `input[name="totpPin"]`),
	driver.XPath("challenge-verify-text", `//span[contains(., "2-Step Verification")]`),
	driver.XPath("challenge-device-text", `//div[contains(., "Check your device")]`),
}

// authenticatedStrategies identify the main messaging view once logged in
var authenticatedStrategies = []driver.Strategy{
	driver.CSS("conversation-list", `[data-conversation-list]`),
	driver.CSS("nav-list", `nav[role="navigation"] ul`),
	driver.XPath("start-chat-text", `//button[contains(., "Start chat")]`),
	driver.CSS("compose-fab", `a[href*="new"]`),
}

var newConversationStrategies = []driver.Strategy{
	driver.CSS("compose-button", `[data-e2e-start-button]`),
	driver.XPath("compose-text", `//button[contains(., "Start chat")]`),
	driver.CSS("compose-fab-link", `a[href*="new"]`),
	driver.CSS("compose-aria", `button[aria-label="Start new conversation"]`),
}

var recipientFieldStrategies = []driver.Strategy{
	driver.CSS("recipient-contact-input", `input[data-e2e-contact-input]`),
	driver.CSS("recipient-aria-input", `input[aria-label*="contact"]`),
	driver.CSS("recipient-combobox", `input[role="combobox"]`),
	driver.XPath("recipient-placeholder", `//input[contains(@placeholder, "name") or contains(@placeholder, "number")]`),
}

// recipientResultStrategies select the first contact suggestion. When none
// resolves, pressing Enter in the recipient field commits the raw identifier.
var recipientResultStrategies = []driver.Strategy{
	driver.CSS("recipient-result-item", `[data-e2e-contact-result]`),
	driver.CSS("recipient-result-option", `[role="listbox"] [role="option"]`),
	driver.XPath("recipient-result-button", `//div[@data-suggestions]//button[1]`),
}

var composerStrategies = []driver.Strategy{
	driver.CSS("composer-textarea", `textarea[data-e2e-message-input]`),
	driver.CSS("composer-aria", `textarea[aria-label="Text message"]`),
	driver.CSS("composer-editable", `div[contenteditable="true"][role="textbox"]`),
	driver.XPath("composer-placeholder", `//textarea[contains(@placeholder, "message")]`),
}

var attachControlStrategies = []driver.Strategy{
	driver.CSS("attach-button", `button[data-e2e-attach-button]`),
	driver.CSS("attach-aria", `button[aria-label*="Attach"]`),
	driver.XPath("attach-icon", `//button[.//i[contains(@class, "attach")]]`),
}

var fileInputStrategies = []driver.Strategy{
	driver.CSS("attach-file-input", `input[type="file"]`),
}

// dropTargetStrategies receive a synthesized drag-and-drop when no attach
// control or file input exists.
var dropTargetStrategies = []driver.Strategy{
	driver.CSS("drop-composer", `[data-e2e-message-compose]`),
	driver.CSS("drop-main", `main[role="main"]`),
}

var sendButtonStrategies = []driver.Strategy{
	driver.CSS("send-button", `button[data-e2e-send-button]`),
	driver.CSS("send-aria", `button[aria-label="Send message"]`),
	driver.XPath("send-icon", `//button[.//i[contains(., "send")]]`),
}

// errorIndicatorStrategies scan the post-send view for remote rejection.
// Presence of any classifies the attempt as failed with the element's text.
var errorIndicatorStrategies = []driver.Strategy{
	driver.CSS("error-banner", `[data-e2e-error-banner]`),
	driver.CSS("error-status", `[data-e2e-message-status="error"]`),
	driver.CSS("error-alert", `[role="alert"]`),
	driver.XPath("error-not-sent", `//span[contains(., "Not sent")]`),
	driver.XPath("error-tap-retry", `//div[contains(., "Tap to retry")]`),
}

// pendingIndicatorStrategies mark a message still in transit after send
var pendingIndicatorStrategies = []driver.Strategy{
	driver.CSS("pending-status", `[data-e2e-message-status="sending"]`),
	driver.CSS("pending-spinner", `[data-e2e-sending-spinner]`),
	driver.XPath("pending-text", `//span[contains(., "Sending")]`),
}
