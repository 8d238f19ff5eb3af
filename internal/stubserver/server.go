package stubserver

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/interu-dev/interu-go/internal/live"
)

// Server is a local stand-in for the Inter-U backend: the same routes, the
// same wire shapes, the same refusal semantics, backed by sqlite and an
// in-process broadcast hub. It exists so the client and its tests run
// without the real deployment.
type Server struct {
	repo   *Repo
	hub    *Hub
	secret string
}

func NewServer(db *gorm.DB, jwtSecret string) (*Server, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &Server{repo: NewRepo(db), hub: NewHub(), secret: jwtSecret}, nil
}

func fail(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"detail": detail})
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.POST("/auth/dev-token/", s.devToken)
	r.POST("/auth/jwt/refresh/", s.refreshToken)

	// The original consumer accepts the socket unauthenticated; so does the
	// stub.
	r.GET("/ws/chat/:id/", s.chatSocket)

	authed := r.Group("/")
	authed.Use(s.authRequired())
	authed.POST("/chats/", s.createChat)
	authed.GET("/chats/:id/", s.getChat)
	authed.PATCH("/chats/:id/completar/", s.completeExchange)
	authed.GET("/mensajes/", s.listMessages)
	authed.POST("/mensajes/", s.createMessage)
	authed.POST("/calificaciones-chat/", s.createRating)

	return r
}

// ----- tokens -----

func (s *Server) mint(userID int64, tokenType string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id":    userID,
		"token_type": tokenType,
		"exp":        time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.secret))
}

// SubscriberCount reports how many live sockets a chat has. Exported for
// integration tests that must not race the handshake.
func (s *Server) SubscriberCount(chatID int64) int {
	return s.hub.Count(chatID)
}

// MintTokens issues an access/refresh pair for a user id. Exported for
// integration tests.
func (s *Server) MintTokens(userID int64) (access, refresh string, err error) {
	if access, err = s.mint(userID, "access", time.Hour); err != nil {
		return "", "", err
	}
	if refresh, err = s.mint(userID, "refresh", 24*time.Hour); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) verify(token, wantType string) (int64, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.secret), nil
	})
	if err != nil || !parsed.Valid {
		return 0, errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("invalid claims")
	}
	if tt, _ := claims["token_type"].(string); tt != wantType {
		return 0, errors.New("wrong token type")
	}
	uid, ok := claims["user_id"].(float64)
	if !ok {
		return 0, errors.New("no user_id claim")
	}
	return int64(uid), nil
}

func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			fail(c, http.StatusUnauthorized, "Credenciales no proporcionadas.")
			c.Abort()
			return
		}
		uid, err := s.verify(strings.TrimPrefix(h, "Bearer "), "access")
		if err != nil {
			fail(c, http.StatusUnauthorized, "Token inválido o expirado.")
			c.Abort()
			return
		}
		c.Set("user_id", uid)
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	v, _ := c.Get("user_id")
	id, _ := v.(int64)
	return id
}

type devTokenReq struct {
	UserID int64  `json:"user_id" binding:"required"`
	Alias  string `json:"alias"`
}

func (s *Server) devToken(c *gin.Context) {
	var req devTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "user_id es requerido.")
		return
	}
	if req.Alias != "" {
		if err := s.repo.UpsertProfile(c.Request.Context(), req.UserID, req.Alias); err != nil {
			fail(c, http.StatusInternalServerError, "no se pudo guardar el perfil")
			return
		}
	}
	access, refresh, err := s.MintTokens(req.UserID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "no se pudo emitir el token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access, "refresh": refresh})
}

func (s *Server) refreshToken(c *gin.Context) {
	var req struct {
		Refresh string `json:"refresh" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "refresh es requerido.")
		return
	}
	uid, err := s.verify(req.Refresh, "refresh")
	if err != nil {
		fail(c, http.StatusUnauthorized, "Token de refresco inválido.")
		return
	}
	access, err := s.mint(uid, "access", time.Hour)
	if err != nil {
		fail(c, http.StatusInternalServerError, "no se pudo emitir el token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access})
}

// ----- chats -----

type createChatReq struct {
	Title      string `json:"titulo"`
	ReceiverID int64  `json:"receptor" binding:"required"`
}

// createChat seeds a conversation between the caller (as author) and a
// receiver. The real backend derives this from a publication; the stub takes
// it directly.
func (s *Server) createChat(c *gin.Context) {
	var req createChatReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "receptor es requerido.")
		return
	}
	if req.ReceiverID == userID(c) {
		fail(c, http.StatusBadRequest, "No puedes iniciar un chat contigo mismo.")
		return
	}
	chat, err := s.repo.CreateChat(c.Request.Context(), req.Title, userID(c), req.ReceiverID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "no se pudo crear el chat")
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) chatIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusNotFound, "No encontrado.")
		return 0, false
	}
	return id, true
}

func (s *Server) getChat(c *gin.Context) {
	chatID, ok := s.chatIDParam(c)
	if !ok {
		return
	}

	chat, err := s.repo.GetChat(c.Request.Context(), chatID)
	if err != nil {
		fail(c, http.StatusNotFound, "No encontrado.")
		return
	}

	if _, err := s.repo.Participant(c.Request.Context(), chatID, userID(c)); err != nil {
		fail(c, http.StatusForbidden, "No autorizado.")
		return
	}

	participants, err := s.repo.Participants(c.Request.Context(), chatID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "no se pudieron cargar los participantes")
		return
	}
	msgs, err := s.repo.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "no se pudieron cargar los mensajes")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id_chat":            chat.ID,
		"titulo":             chat.Title,
		"estado_intercambio": chat.ExchangeComplete,
		"fecha_inicio":       chat.CreatedAt,
		"participantes":      participants,
		"mensajes":           msgs,
	})
}

func (s *Server) completeExchange(c *gin.Context) {
	chatID, ok := s.chatIDParam(c)
	if !ok {
		return
	}

	chat, err := s.repo.GetChat(c.Request.Context(), chatID)
	if err != nil {
		fail(c, http.StatusNotFound, "No encontrado.")
		return
	}

	p, err := s.repo.Participant(c.Request.Context(), chatID, userID(c))
	if err != nil || p.Role != RoleAuthor {
		fail(c, http.StatusForbidden, "Solo el autor puede completar el intercambio.")
		return
	}
	if chat.ExchangeComplete {
		fail(c, http.StatusForbidden, "El intercambio ya fue completado.")
		return
	}

	if err := s.repo.CompleteExchange(c.Request.Context(), chatID); err != nil {
		fail(c, http.StatusInternalServerError, "no se pudo completar el intercambio")
		return
	}
	chat.ExchangeComplete = true
	c.JSON(http.StatusOK, chat)
}

// ----- messages -----

func (s *Server) listMessages(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Query("chat"), 10, 64)
	if err != nil || chatID <= 0 {
		fail(c, http.StatusBadRequest, "chat es requerido.")
		return
	}
	if _, err := s.repo.Participant(c.Request.Context(), chatID, userID(c)); err != nil {
		fail(c, http.StatusForbidden, "No eres participante de este chat.")
		return
	}
	msgs, err := s.repo.ListMessages(c.Request.Context(), chatID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "no se pudieron cargar los mensajes")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

type createMessageReq struct {
	Chat int64  `json:"chat"`
	Text string `json:"texto"`
}

func (s *Server) createMessage(c *gin.Context) {
	var req createMessageReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Chat <= 0 {
		fail(c, http.StatusBadRequest, "chat es requerido.")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		fail(c, http.StatusBadRequest, "texto es requerido.")
		return
	}

	if _, err := s.repo.Participant(c.Request.Context(), req.Chat, userID(c)); err != nil {
		fail(c, http.StatusForbidden, "No eres participante de este chat.")
		return
	}

	msg := &Message{ChatID: req.Chat, StudentID: userID(c), Text: req.Text}
	if err := s.repo.InsertMessage(c.Request.Context(), msg); err != nil {
		fail(c, http.StatusInternalServerError, "no se pudo guardar el mensaje")
		return
	}

	// Same shape the real consumer pushes.
	s.hub.Broadcast(req.Chat, live.Event{
		Type:        live.EventMessage,
		MessageID:   msg.ID,
		AuthorID:    msg.StudentID,
		Text:        msg.Text,
		CreatedAt:   msg.CreatedAt,
		AuthorAlias: msg.AuthorAlias,
	})

	c.JSON(http.StatusCreated, msg)
}

// ----- ratings -----

type createRatingReq struct {
	Chat    int64  `json:"chat"`
	Score   int    `json:"puntaje"`
	Comment string `json:"comentario"`
}

func (s *Server) createRating(c *gin.Context) {
	var req createRatingReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Chat <= 0 {
		fail(c, http.StatusBadRequest, "chat es requerido.")
		return
	}
	if req.Score < 1 || req.Score > 5 {
		fail(c, http.StatusBadRequest, "El puntaje debe estar entre 1 y 5.")
		return
	}

	if _, err := s.repo.Participant(c.Request.Context(), req.Chat, userID(c)); err != nil {
		fail(c, http.StatusForbidden, "No eres participante de este chat.")
		return
	}

	rated, err := s.repo.HasRated(c.Request.Context(), req.Chat, userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, "no se pudo verificar la calificación")
		return
	}
	if rated {
		fail(c, http.StatusBadRequest, "Ya has calificado este chat.")
		return
	}

	rating := &ChatRating{
		ChatID:  req.Chat,
		RaterID: userID(c),
		Score:   req.Score,
		Comment: req.Comment,
	}
	if err := s.repo.InsertRating(c.Request.Context(), rating); err != nil {
		fail(c, http.StatusInternalServerError, "no se pudo guardar la calificación")
		return
	}
	c.JSON(http.StatusCreated, rating)
}

// ----- live channel -----

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) chatSocket(c *gin.Context) {
	chatID, ok := s.chatIDParam(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("stub: upgrade chat=%d: %v", chatID, err)
		return
	}

	s.hub.Add(chatID, conn)
	defer func() {
		s.hub.Remove(chatID, conn)
		conn.Close()
	}()

	// The channel is push-only; drain the socket just to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
