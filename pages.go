// pages.go
package main

import (
	"html"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// The server renders minimal page shells; the dashboard itself is driven
// by the JSON API and the websocket feed.

func loginPage(c *gin.Context) {
	// An authenticated visitor lands on the dashboard directly.
	session := sessions.Default(c)
	if session.Get(SessionKeyLoggedIn) == "true" {
		c.Redirect(http.StatusSeeOther, "/dashboard")
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html>
<head><title>MalariaDetect - Connexion</title></head>
<body>
  <h1>Connexion</h1>
  <form id="login-form" method="post" action="/api/login">
    <input type="email" name="username" placeholder="Email" required>
    <input type="password" name="password" placeholder="Mot de passe" required>
    <button type="submit">Se connecter</button>
  </form>
  <a href="/register">Créer un compte</a>
</body>
</html>`))
}

func registerPage(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html>
<head><title>MalariaDetect - Inscription</title></head>
<body>
  <h1>Inscription</h1>
  <form id="register-form" method="post" action="/api/register">
    <input type="text" name="first_name" placeholder="Prénom">
    <input type="text" name="last_name" placeholder="Nom">
    <input type="email" name="email" placeholder="Email" required>
    <input type="password" name="password" placeholder="Mot de passe" required>
    <input type="password" name="confirm_password" placeholder="Confirmer le mot de passe" required>
    <label><input type="checkbox" name="accept_terms"> J'accepte les conditions d'utilisation</label>
    <button type="submit">S'inscrire</button>
  </form>
  <a href="/login">Déjà inscrit ?</a>
</body>
</html>`))
}

func dashboardPage(c *gin.Context) {
	session := sessions.Default(c)
	name, _ := session.Get(SessionKeyUserName).(string)
	name = html.EscapeString(name)

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html>
<head><title>MalariaDetect - Tableau de bord</title></head>
<body>
  <h1>Bienvenue, `+name+`</h1>
  <div id="analysis"></div>
  <div id="stats"></div>
</body>
</html>`))
}
