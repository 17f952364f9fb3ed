package cli

var NewRouter = newRouter
