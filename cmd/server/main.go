package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"library-lending/pkg/database"
	"library-lending/pkg/lending"
	"library-lending/pkg/models"
	"library-lending/pkg/notify"
	"library-lending/pkg/reconcile"
)

var (
	db      *gorm.DB
	svc     *lending.Service
	emitter *notify.Emitter
)

func main() {
	log.Println("Starting library lending service...")

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	db = database.Init()
	svc = lending.NewService(db)

	emitter = notify.NewEmitter(db, 30*time.Second)
	emitter.Start()
	defer emitter.Stop()

	job := reconcile.New(db, emitter, 5*time.Minute)
	job.Start()
	defer job.Stop()

	seedDemoData()

	server := gin.Default()
	server.GET("/api/v1/books", listBooks)
	server.POST("/api/v1/books", createBook)
	server.GET("/api/v1/books/:titleUid", getBook)
	server.POST("/api/v1/books/:titleUid/copies", addBookCopy)
	server.POST("/api/v1/books/:titleUid/issue", issueBook)
	server.POST("/api/v1/books/:titleUid/return", returnBook)
	server.POST("/api/v1/books/:titleUid/rating", rateBook)
	server.POST("/api/v1/requests", createLoanRequest)
	server.POST("/api/v1/requests/:requestUid/accept", acceptLoanRequest)
	server.POST("/api/v1/requests/:requestUid/decline", declineLoanRequest)
	server.GET("/api/v1/loans", listLoans)
	server.GET("/api/v1/notifications", listNotifications)
	server.POST("/api/v1/notifications/:id/read", markNotificationRead)
	server.GET("/manage/health", healthCheck)

	port := getEnv("PORT", "8080")
	log.Printf("Library lending service starting on :%s", port)
	if err := server.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// currentActor reads the identity the auth layer forwarded in headers. The
// service never trusts ambient session state, only this explicit actor.
func currentActor(c *gin.Context) lending.Actor {
	role := c.GetHeader("X-User-Role")
	if role == "" {
		role = lending.RoleMember
	}
	id, err := strconv.ParseUint(c.GetHeader("X-User-Id"), 10, 64)
	if err != nil {
		return lending.Actor{Role: role}
	}
	return lending.Actor{ID: uint(id), Role: role}
}

// The uniform envelope: callers branch on success, never on exceptions.

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"success": true, "error": nil, "data": data})
}

func respondErr(c *gin.Context, err error) {
	var le *lending.Error
	if !errors.As(err, &le) {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error", "data": nil})
		return
	}
	c.JSON(statusFor(le), gin.H{"success": false, "error": le.Message, "data": nil})
}

func statusFor(le *lending.Error) int {
	if le == lending.ErrForbidden {
		return http.StatusForbidden
	}
	switch le.Kind {
	case lending.KindValidation:
		return http.StatusBadRequest
	case lending.KindNotFound:
		return http.StatusNotFound
	case lending.KindConflict:
		return http.StatusConflict
	case lending.KindAuthorization:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func titleJSON(t *models.BookTitle) gin.H {
	return gin.H{
		"titleUid":      t.TitleUid,
		"title":         t.Title,
		"author":        t.Author.Name,
		"price":         t.Price,
		"stock":         t.Stock,
		"averageRating": t.AverageRating,
		"loanCount":     t.LoanCount,
	}
}

func loanJSON(l *models.BookLoan) gin.H {
	return gin.H{
		"loanUid":    l.LoanUid,
		"status":     l.Status,
		"loanDate":   l.LoanDate.Format("2006-01-02"),
		"returnDate": l.ReturnDate.Format("2006-01-02"),
	}
}

func requestJSON(r *models.BookLoanRequest) gin.H {
	return gin.H{
		"requestUid":  r.RequestUid,
		"status":      r.Status,
		"requestDate": r.RequestDate.Format("2006-01-02"),
		"description": r.Description,
	}
}

func listBooks(c *gin.Context) {
	search := c.Query("search")
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		page = 1
	}
	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil {
		size = 10
	}

	titles, total, lerr := svc.ListTitles(search, page, size)
	if lerr != nil {
		respondErr(c, lerr)
		return
	}
	items := make([]gin.H, len(titles))
	for i := range titles {
		items[i] = titleJSON(&titles[i])
	}
	respondOK(c, gin.H{
		"page":          page,
		"pageSize":      size,
		"totalElements": total,
		"items":         items,
	})
}

func createBook(c *gin.Context) {
	var request struct {
		Title      string   `json:"title" binding:"required"`
		Author     string   `json:"author" binding:"required"`
		Price      string   `json:"price"`
		Categories []string `json:"categories"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		respondErr(c, lending.ErrMissingInput)
		return
	}
	title, err := svc.CreateTitle(currentActor(c), lending.CreateTitleInput{
		Title:      request.Title,
		Author:     request.Author,
		Price:      request.Price,
		Categories: request.Categories,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"titleUid": title.TitleUid, "title": title.Title, "stock": title.Stock})
}

func getBook(c *gin.Context) {
	title, copies, err := svc.GetTitle(c.Param("titleUid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	categories := make([]string, len(title.Categories))
	for i, cat := range title.Categories {
		categories[i] = cat.Name
	}
	copyItems := make([]gin.H, len(copies))
	for i, view := range copies {
		copyItems[i] = gin.H{"copyNumber": view.Copy.CopyNumber, "onLoan": view.OnLoan}
	}
	body := titleJSON(title)
	body["categories"] = categories
	body["copies"] = copyItems
	respondOK(c, body)
}

func addBookCopy(c *gin.Context) {
	copy, err := svc.AddBookCopy(currentActor(c), c.Param("titleUid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"copyNumber": copy.CopyNumber})
}

func createLoanRequest(c *gin.Context) {
	var request struct {
		TitleUid         string `json:"titleUid" binding:"required"`
		Amount           string `json:"amount" binding:"required"`
		PaymentMethod    string `json:"paymentMethod"`
		PaymentReference string `json:"paymentReference"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		respondErr(c, lending.ErrMissingInput)
		return
	}
	loanRequest, err := svc.CreateRequest(currentActor(c),
		request.TitleUid, request.Amount, request.PaymentMethod, request.PaymentReference)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, requestJSON(loanRequest))
}

func acceptLoanRequest(c *gin.Context) {
	var request struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&request)

	actor := currentActor(c)
	if !lending.CanManageRequests(actor.Role) {
		respondErr(c, lending.ErrForbidden)
		return
	}
	loanRequest, err := svc.AcceptRequest(actor, c.Param("requestUid"), request.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, requestJSON(loanRequest))
}

func declineLoanRequest(c *gin.Context) {
	var request struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&request)

	actor := currentActor(c)
	if !lending.CanManageRequests(actor.Role) {
		respondErr(c, lending.ErrForbidden)
		return
	}
	loanRequest, err := svc.DeclineRequest(actor, c.Param("requestUid"), request.Reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, requestJSON(loanRequest))
}

func issueBook(c *gin.Context) {
	var request struct {
		UserID     uint   `json:"userId"`
		RequestUid string `json:"requestUid"`
	}
	_ = c.ShouldBindJSON(&request)

	loan, err := svc.IssueBook(currentActor(c), c.Param("titleUid"), request.UserID, request.RequestUid)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, loanJSON(loan))
}

func returnBook(c *gin.Context) {
	loan, err := svc.ReturnBook(currentActor(c), c.Param("titleUid"))
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, loanJSON(loan))
}

func rateBook(c *gin.Context) {
	var request struct {
		Stars int `json:"stars" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		respondErr(c, lending.ErrInvalidRating)
		return
	}
	rating, err := svc.RateBook(currentActor(c), c.Param("titleUid"), request.Stars)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, gin.H{"stars": rating.Stars})
}

func listLoans(c *gin.Context) {
	views, err := svc.LoansForUser(currentActor(c).ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	now := time.Now()
	items := make([]gin.H, len(views))
	for i, view := range views {
		standing, days := lending.DaysRemaining(now, view.Loan.LoanDate, view.Loan.ReturnDate, view.Loan.Status)
		body := loanJSON(&view.Loan)
		body["title"] = view.Title.Title
		body["titleUid"] = view.Title.TitleUid
		body["standing"] = standing
		if standing == lending.StandingDue {
			body["daysRemaining"] = days
		}
		items[i] = body
	}
	respondOK(c, items)
}

func listNotifications(c *gin.Context) {
	notifications, err := svc.ListNotifications(currentActor(c).ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	items := make([]gin.H, len(notifications))
	for i, n := range notifications {
		items[i] = gin.H{
			"id":        n.ID,
			"message":   n.Message,
			"read":      n.Read,
			"createdAt": n.CreatedAt.Format(time.RFC3339),
		}
	}
	respondOK(c, items)
}

func markNotificationRead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		respondErr(c, lending.ErrMissingInput)
		return
	}
	notification, lerr := svc.MarkNotificationRead(currentActor(c).ID, uint(id))
	if lerr != nil {
		respondErr(c, lerr)
		return
	}
	respondOK(c, gin.H{"id": notification.ID, "read": notification.Read})
}

func healthCheck(c *gin.Context) {
	sqlDB, err := db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "details": "Database connection failed"})
		return
	}
	if err := sqlDB.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN", "details": "Database ping failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func seedDemoData() {
	var count int64
	db.Model(&models.BookTitle{}).Count(&count)
	if count > 0 {
		return
	}

	admin := lending.Actor{ID: 1, Role: lending.RoleSuperadmin}
	dune, err := svc.CreateTitle(admin, lending.CreateTitleInput{
		Title:      "Dune",
		Author:     "Frank Herbert",
		Price:      "0",
		Categories: []string{"Science Fiction"},
	})
	if err != nil {
		log.Printf("Failed to seed demo title: %v", err)
		return
	}
	if _, err := svc.AddBookCopy(admin, dune.TitleUid); err != nil {
		log.Printf("Failed to seed demo copy: %v", err)
	}

	if _, err := svc.CreateTitle(admin, lending.CreateTitleInput{
		Title:      "The Art of Computer Programming",
		Author:     "Donald Knuth",
		Price:      "59.90",
		Categories: []string{"Computer Science"},
	}); err != nil {
		log.Printf("Failed to seed demo title: %v", err)
	}
	log.Println("Demo catalog seeded")
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
