package bot

import "fmt"

const (
	kickReasonDeleted  = "gatekeeper account deleted"
	kickReasonUnlinked = "gatekeeper account unlinked"
)

func welcomeMessage(botText, botHTML, profileURL string) (text, html string) {
	text = fmt.Sprintf(`Welcome to the organization's Matrix space!

I'm %s, the doorkeeper bot: I verify the credentials of everyone who enters and let members into the areas they belong to.

If you are a student, you can get access to the students area by verifying your identity:
%s`, botText, profileURL)

	html = fmt.Sprintf(`<p>Welcome to the organization's Matrix space!</p>
<p>I'm %s, the doorkeeper bot: I verify the credentials of everyone who enters and let members into the areas they belong to.</p>
<p>If you are a student, you can get access to the students area by <a href="%s">verifying your identity</a>!</p>`, botHTML, profileURL)
	return text, html
}

func successMessage(profileURL string) (text, html string) {
	text = fmt.Sprintf(`You have joined the students area: welcome!

If at any point you want to view or delete the data stored about you, you can do so from your private profile:
%s`, profileURL)

	html = fmt.Sprintf(`<p>You have joined the students area: welcome!</p>
<p>If at any point you want to view or delete the data stored about you, you can do so from <a href="%s">your private profile</a>!</p>`, profileURL)
	return text, html
}

func goodbyeMessage() (text, html string) {
	text = `You have left the organization's Matrix space, so I have deleted your data from my database; you will shortly be removed from every room of the space as well.

If you change your mind, you can always come back through the same address. Take care!`

	html = `<p>You have left the organization's Matrix space, so I have deleted your data from my database; you will shortly be removed from every room of the space as well.</p>
<p>If you change your mind, you can always come back through the same address. Take care!</p>`
	return text, html
}

func unlinkMessage(profileURL string) (text, html string) {
	text = fmt.Sprintf(`You have left the students area, so I have unlinked your verified account from your Matrix account.

If you change your mind, you can be re-admitted to the students area by linking your account again:
%s`, profileURL)

	html = fmt.Sprintf(`<p>You have left the students area, so I have unlinked your verified account from your Matrix account.</p>
<p>If you change your mind, you can be re-admitted to the students area by <a href="%s">linking your account again</a>!</p>`, profileURL)
	return text, html
}

func mentionHTML(userID, displayName string) string {
	return fmt.Sprintf(`<a href="https://matrix.to/#/%s">%s</a>`, userID, displayName)
}
